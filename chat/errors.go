// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// AuthError reports missing, malformed, or rejected credentials. It is
// the only error class that requires caller intervention (a full
// re-login); everything else is retried or contained internally.
type AuthError struct {
	// Op names the operation that failed: "validate", "refresh", "call".
	Op string
	// Reason is a human-readable cause.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RPCError is an application-level rejection from the remote service:
// invalid argument, not found, permission denied. These are never
// retried — the same call would fail the same way.
type RPCError struct {
	// Method is the logical method name of the failed call.
	Method string
	// Status is the HTTP status the service answered with.
	Status int
	// Message is the service's error body, if it sent one.
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc %s: status %d: %s", e.Method, e.Status, e.Message)
	}
	return fmt.Sprintf("rpc %s: status %d", e.Method, e.Status)
}

// IsRPCError reports whether err is or wraps an *RPCError.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// sequenceGapError reports a non-contiguous channel frame sequence. It
// never leaves the package: the channel consumes it to trigger a
// resync.
type sequenceGapError struct {
	expected int64
	got      int64
}

func (e *sequenceGapError) Error() string {
	return fmt.Sprintf("channel sequence gap: expected %d, got %d", e.expected, e.got)
}

// transientStatus reports whether an HTTP status is worth retrying.
func transientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// transientError reports whether an error is worth retrying:
// connection resets, timeouts, truncated responses, and retryable HTTP
// statuses. Context cancellation is the caller's decision and is never
// retried.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *transientStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
