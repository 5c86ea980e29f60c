// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
)

// ProtocolError reports a wire array whose shape does not match the
// schema: wrong top-level length, a composite where a scalar was
// expected, or an envelope that is not an array at all. Callers can use
// errors.As to extract the offending method and path:
//
//	var protoErr *wire.ProtocolError
//	if errors.As(err, &protoErr) { ... }
//
// ProtocolError is reserved for failures that invalidate a whole decode.
// Failures scoped to one element of a list are contained as [Fault]
// values on the [Result] instead.
type ProtocolError struct {
	// Method is the logical method or event name being decoded.
	Method string
	// Path locates the mismatch within the array, e.g. "topics[3].id".
	Path string
	// Message describes the mismatch.
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("wire: %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("wire: %s: %s: %s", e.Method, e.Path, e.Message)
}

// Fault records a contained per-element decode failure. The element is
// dropped from the result; its siblings decode normally.
type Fault struct {
	// Path locates the failed element, e.g. "topics[3]".
	Path string
	// Err is the underlying conversion failure.
	Err error
}

func (f Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Path, f.Err)
}

// ErrUnknownMethod is returned when a method name has no entry in the
// schema table.
var ErrUnknownMethod = errors.New("wire: method not in schema table")

// ErrUnknownShape is returned by DecodeEvent when no event shape in the
// schema table matches the array's tag. The caller is expected to log
// and skip — unknown shapes are routine schema drift, not failures.
var ErrUnknownShape = errors.New("wire: no event shape matches array")
