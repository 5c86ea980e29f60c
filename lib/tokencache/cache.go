// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokencache persists refresh credentials between runs as a
// small CBOR file. The file is written atomically (temp file + rename)
// with 0600 permissions since it holds bearer-equivalent secrets.
package tokencache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer encoding,
// no indefinite-length items. Same logical data always produces
// identical bytes, so rewrites of unchanged credentials are no-ops at
// the byte level.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored for forward compatibility with
// older cache files.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tokencache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("tokencache: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrNotFound reports that no cache file exists at the given path.
// Callers treat this as "first run": authenticate from scratch and
// Store the result.
var ErrNotFound = errors.New("tokencache: no cached credentials")

// Load reads the cache file at path and CBOR-decodes it into v.
// Returns ErrNotFound if the file does not exist.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading token cache %s: %w", path, err)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding token cache %s: %w", path, err)
	}
	return nil
}

// Store CBOR-encodes v and writes it to path atomically. Parent
// directories are created as needed with 0700 permissions.
func Store(path string, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting token cache permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming token cache into place: %w", err)
	}
	return nil
}
