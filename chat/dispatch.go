// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire/chatwire/lib/clock"
	"github.com/chatwire/chatwire/lib/netutil"
	"github.com/chatwire/chatwire/wire"
)

// clientVersion is sent in the envelope metadata, mirroring what the
// web client reports about itself.
const clientVersion = "chatwire/1"

// DispatcherConfig configures a Dispatcher. Zero-valued optional
// fields get defaults from NewDispatcher.
type DispatcherConfig struct {
	// HTTPClient makes the RPC requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Endpoint is the RPC dispatch URL. Required.
	Endpoint string

	// Codec encodes and decodes payloads. Required.
	Codec *wire.Codec

	// Tokens supplies and refreshes credentials. Required.
	Tokens *TokenManager

	// Clock supplies time for retry backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Log receives structured call logs. Defaults to slog.Default().
	Log *slog.Logger

	// MaxInFlight caps concurrent calls. Calls past the cap block until
	// a slot frees or their context is done. Defaults to 16.
	MaxInFlight int

	// MaxAttempts bounds retries of transient failures. Defaults to 4.
	MaxAttempts int

	// BaseDelay is the first retry delay; it doubles per attempt up to
	// MaxDelay, with jitter. Defaults: 250ms base, 4s max.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Dispatcher sends individual encoded calls over the request/response
// transport. Arbitrarily many calls may be outstanding at once, each
// matched to its response by a correlation id; there is no implicit
// serialization of unrelated calls.
type Dispatcher struct {
	httpClient  *http.Client
	endpoint    string
	codec       *wire.Codec
	tokens      *TokenManager
	clock       clock.Clock
	log         *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	slots    chan struct{}
	inFlight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		httpClient:  cfg.HTTPClient,
		endpoint:    cfg.Endpoint,
		codec:       cfg.Codec,
		tokens:      cfg.Tokens,
		clock:       cfg.Clock,
		log:         cfg.Log,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if d.httpClient == nil {
		d.httpClient = http.DefaultClient
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 4
	}
	if d.baseDelay <= 0 {
		d.baseDelay = 250 * time.Millisecond
	}
	if d.maxDelay <= 0 {
		d.maxDelay = 4 * time.Second
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	d.slots = make(chan struct{}, maxInFlight)
	return d
}

// Call encodes the named parameters, transmits the envelope, and
// decodes the matching response.
//
// Transient transport failures are retried with jittered exponential
// backoff up to the configured attempt bound. A 401 triggers one token
// refresh followed by exactly one retry; a second auth rejection
// surfaces as *AuthError. Application-level rejections surface as
// *RPCError and are never retried.
func (d *Dispatcher) Call(ctx context.Context, method string, params map[string]any) (*wire.Result, error) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.inFlight.Add(1)
	defer func() {
		<-d.slots
		d.inFlight.Done()
	}()

	rpcID, err := d.codec.RPCID(method)
	if err != nil {
		return nil, err
	}
	payload, err := d.codec.Encode(method, params)
	if err != nil {
		return nil, err
	}

	var lastErr error
	refreshed := false
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		session, err := d.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		result, err := d.attempt(ctx, method, rpcID, payload, session)
		switch {
		case err == nil:
			return result, nil
		case isAuthRejection(err):
			if refreshed {
				return nil, &AuthError{Op: "call", Reason: "still rejected after token refresh", Err: err}
			}
			refreshed = true
			if _, err := d.tokens.refreshFrom(ctx, session.Generation); err != nil {
				return nil, err
			}
			// The refresh replaces the failed attempt; it does not
			// consume a transient-retry slot.
			attempt--
			continue
		case transientError(err):
			lastErr = err
			d.log.Warn("transient call failure, will retry",
				"method", method, "attempt", attempt+1, "error", err)
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("rpc %s: %d attempts exhausted: %w", method, d.maxAttempts, lastErr)
}

// Drain blocks until all in-flight calls finish or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authRejection marks a 401 so the retry loop can distinguish it from
// other statuses without re-parsing.
type authRejection struct{ body string }

func (e *authRejection) Error() string {
	return "service rejected authentication: " + e.body
}

func isAuthRejection(err error) bool {
	var rej *authRejection
	return errors.As(err, &rej)
}

// attempt performs one request/response cycle.
func (d *Dispatcher) attempt(ctx context.Context, method, rpcID string, payload []any, session Session) (*wire.Result, error) {
	correlation := uuid.NewString()
	envelope := []any{payload, []any{correlation, clientVersion}}
	body, err := wire.MarshalArray(envelope)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: marshaling envelope: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"?rpcids="+rpcID, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc %s: building request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json+protobuf")
	applySession(req, session)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &authRejection{body: netutil.ErrorBody(resp.Body)}
	case transientStatus(resp.StatusCode):
		return nil, &transientStatusError{status: resp.StatusCode}
	default:
		return nil, &RPCError{Method: method, Status: resp.StatusCode, Message: netutil.ErrorBody(resp.Body)}
	}

	raw, err := netutil.ReadResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: reading response: %w", method, err)
	}
	respEnvelope, err := wire.ParseArray(raw)
	if err != nil {
		return nil, &wire.ProtocolError{Method: method, Message: "response envelope: " + err.Error()}
	}
	respPayload, err := openEnvelope(method, respEnvelope, correlation)
	if err != nil {
		return nil, err
	}

	result, err := d.codec.Decode(method, respPayload)
	if err != nil {
		return nil, err
	}
	for _, fault := range result.Faults {
		d.log.Warn("response element dropped", "method", method, "path", fault.Path, "error", fault.Err)
	}
	return result, nil
}

// openEnvelope peels the response envelope and verifies that the
// correlation id round-tripped unchanged.
func openEnvelope(method string, envelope []any, correlation string) ([]any, error) {
	if len(envelope) < 2 {
		return nil, &wire.ProtocolError{
			Method:  method,
			Message: fmt.Sprintf("response envelope has %d elements, want 2", len(envelope)),
		}
	}
	payload, ok := envelope[0].([]any)
	if !ok {
		return nil, &wire.ProtocolError{Method: method, Path: "[0]", Message: "payload is not an array"}
	}
	meta, ok := envelope[1].([]any)
	if !ok || len(meta) == 0 {
		return nil, &wire.ProtocolError{Method: method, Path: "[1]", Message: "metadata is not an array"}
	}
	echoed, ok := meta[0].(string)
	if !ok || echoed != correlation {
		return nil, &wire.ProtocolError{
			Method:  method,
			Path:    "[1][0]",
			Message: fmt.Sprintf("correlation id %q does not match request %q", meta[0], correlation),
		}
	}
	return payload, nil
}

// backoff sleeps for the attempt's jittered exponential delay, or
// returns early if ctx is done.
func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := d.baseDelay << (attempt - 1)
	if delay > d.maxDelay || delay <= 0 {
		delay = d.maxDelay
	}
	// Jitter in [delay/2, delay) spreads retries from concurrent calls.
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))

	select {
	case <-d.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transientStatusError marks an HTTP status worth retrying.
type transientStatusError struct{ status int }

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("service answered transient status %d", e.status)
}

// applySession attaches the bearer token and cookies to a request.
func applySession(req *http.Request, session Session) {
	if session.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}
	for name, value := range session.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}
