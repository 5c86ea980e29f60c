// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers for chatwire.
//
// Response helpers (ReadResponse, DecodeResponse, ErrorBody) bound all
// body reads at MaxResponseSize to prevent unbounded memory allocation
// from a misbehaving server. They are for request/response API calls —
// not for the streaming channel, which reads incrementally and applies
// its own per-read bound.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize is the bound on API response body reads: 64 MB. The
// service's RPC responses are orders of magnitude smaller; the limit is
// intentionally generous so that it never interferes with normal
// operation.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads an API response body up to MaxResponseSize bytes.
// Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads an API response body (up to MaxResponseSize
// bytes) and JSON-decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an HTTP error response body and returns it as a
// string for diagnostic error messages. Read errors are silently
// ignored — a partial or empty body is still useful in an error
// message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
