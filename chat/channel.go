// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatwire/chatwire/lib/clock"
	"github.com/chatwire/chatwire/lib/netutil"
	"github.com/chatwire/chatwire/wire"
)

// ChannelState is the streaming channel's lifecycle state.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelResyncing
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelResyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("ChannelState(%d)", int(s))
	}
}

// channelTransitions is the allowed state graph. A transition outside
// the table indicates a logic bug and is logged, not enforced — the
// channel keeps running.
var channelTransitions = map[ChannelState]map[ChannelState]bool{
	ChannelClosed:     {ChannelConnecting: true},
	ChannelConnecting: {ChannelConnecting: true, ChannelOpen: true, ChannelClosed: true},
	ChannelOpen:       {ChannelConnecting: true, ChannelResyncing: true, ChannelClosed: true},
	ChannelResyncing:  {ChannelConnecting: true, ChannelClosed: true},
}

// Frame is one sequenced delivery from the streaming channel: an
// ordered batch of raw decoded event arrays.
type Frame struct {
	Sequence int64
	Events   [][]any
}

// ChannelConfig configures a Channel. Zero-valued optional fields get
// defaults from NewChannel.
type ChannelConfig struct {
	// HTTPClient makes the register and long-poll requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// RegisterURL is the channel registration endpoint. Required.
	RegisterURL string

	// EventsURL is the streaming events endpoint. Required.
	EventsURL string

	// Tokens supplies and refreshes credentials. Required.
	Tokens *TokenManager

	// Clock supplies time for backoff and the idle watchdog. Defaults
	// to clock.Real().
	Clock clock.Clock

	// Log receives structured channel logs. Defaults to slog.Default().
	Log *slog.Logger

	// Registry receives the channel's counters. Nil leaves them
	// unregistered.
	Registry prometheus.Registerer

	// OnFrame receives each frame, in strict arrival order, from the
	// single reader goroutine. It must not block indefinitely.
	OnFrame func(Frame)

	// OnResync, if set, is invoked after the channel reconnects
	// following a sequence gap, before any further frame is delivered.
	// lastSequence is the last frame delivered before the gap; the
	// callback typically issues catch-up calls from that position.
	OnResync func(lastSequence int64)

	// BaseDelay is the first reconnect delay; it doubles per failed
	// attempt up to MaxDelay, with jitter, and resets to zero after any
	// successful reconnection. Defaults: 2s base, 60s max.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// IdleTimeout bounds the silence on an open stream before the
	// connection is torn down and reopened. Defaults to 90s.
	IdleTimeout time.Duration
}

// Channel maintains the long-lived streaming connection that pushes
// asynchronous server events: registration, chunked frame reassembly,
// sequence tracking, resync on gaps, and reconnection with capped
// exponential backoff. Reconnection is unbounded; the channel only
// halts on Stop or an unrecoverable auth failure.
type Channel struct {
	httpClient  *http.Client
	registerURL string
	eventsURL   string
	tokens      *TokenManager
	clock       clock.Clock
	log         *slog.Logger
	onFrame     func(Frame)
	onResync    func(int64)
	baseDelay   time.Duration
	maxDelay    time.Duration
	idleTimeout time.Duration
	metrics     *channelMetrics

	mu            sync.Mutex
	state         ChannelState
	sid           string
	lastSeq       int64
	baselineSet   bool
	retries       int
	pendingResync bool
	resyncStreak  int
	running       bool
	err           error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel creates a Channel from cfg. Call Start to connect.
func NewChannel(cfg ChannelConfig) *Channel {
	c := &Channel{
		httpClient:  cfg.HTTPClient,
		registerURL: cfg.RegisterURL,
		eventsURL:   cfg.EventsURL,
		tokens:      cfg.Tokens,
		clock:       cfg.Clock,
		log:         cfg.Log,
		onFrame:     cfg.OnFrame,
		onResync:    cfg.OnResync,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		idleTimeout: cfg.IdleTimeout,
		metrics:     newChannelMetrics(cfg.Registry),
		state:       ChannelClosed,
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.onFrame == nil {
		c.onFrame = func(Frame) {}
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 2 * time.Second
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 60 * time.Second
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = 90 * time.Second
	}
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after Done is closed: nil for a clean
// Stop, an *AuthError if the channel halted on rejected credentials.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the run loop has exited.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start launches the connection loop. It returns immediately; frames
// arrive on the OnFrame callback.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("channel already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	go c.run(runCtx)
	return nil
}

// Stop cancels any pending read, suppresses further reconnect
// attempts, and waits for the run loop to exit.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.state = ChannelClosed
		c.running = false
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(ChannelConnecting)

		err := c.connectOnce(ctx)
		var gap *sequenceGapError
		switch {
		case err == nil:
			// Normal end of one long-poll cycle; reconnect immediately.
			continue
		case ctx.Err() != nil:
			return
		case IsAuthError(err):
			c.log.Error("channel halted: credentials rejected", "error", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		case errors.As(err, &gap):
			c.mu.Lock()
			c.resyncStreak++
			streak := c.resyncStreak
			c.mu.Unlock()
			if streak > maxResyncStreak {
				// The server keeps answering our acknowledged position
				// with frames past the gap; the missing ones are not
				// coming back. Drop the session and adopt a fresh
				// baseline instead of spinning on resyncs.
				c.log.Warn("resync not converging, re-registering",
					"expected", gap.expected, "got", gap.got, "cycles", streak-1)
				c.metrics.reconnect.WithLabelValues("resync_exhausted").Inc()
				c.mu.Lock()
				c.sid = ""
				c.lastSeq = 0
				c.baselineSet = false
				c.pendingResync = false
				c.resyncStreak = 0
				c.mu.Unlock()
				if !c.backoff(ctx, err) {
					return
				}
				continue
			}
			c.log.Warn("sequence gap, resyncing",
				"expected", gap.expected, "got", gap.got)
			c.metrics.resyncs.Inc()
			c.metrics.reconnect.WithLabelValues("gap").Inc()
			c.setState(ChannelResyncing)
			c.mu.Lock()
			c.pendingResync = true
			c.mu.Unlock()
			continue
		case errors.Is(err, errSIDInvalid):
			// The service forgot our channel session. Register a fresh
			// one without waiting out a backoff delay.
			c.log.Warn("channel session rejected, re-registering")
			c.metrics.reconnect.WithLabelValues("sid_invalid").Inc()
			c.mu.Lock()
			c.sid = ""
			c.lastSeq = 0
			c.baselineSet = false
			c.pendingResync = false
			c.resyncStreak = 0
			c.mu.Unlock()
			continue
		default:
			c.metrics.reconnect.WithLabelValues("error").Inc()
			if !c.backoff(ctx, err) {
				return
			}
		}
	}
}

// backoff waits out the capped, jittered exponential delay for the
// next reconnect attempt. Returns false if ctx ended while waiting.
func (c *Channel) backoff(ctx context.Context, cause error) bool {
	c.mu.Lock()
	c.retries++
	retries := c.retries
	c.mu.Unlock()

	delay := c.baseDelay << (retries - 1)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))

	c.log.Warn("channel disconnected, will reconnect",
		"error", cause, "retries", retries, "delay", delay)
	select {
	case <-c.clock.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

var errSIDInvalid = errors.New("channel session id rejected")

// maxResyncStreak bounds consecutive gap-triggered resync cycles that
// deliver no frames. Past it the missing frames are treated as
// unrecoverable and the session is rebuilt from a fresh baseline.
const maxResyncStreak = 3

// errIdleStream marks the watchdog firing on a silent connection.
var errIdleStream = errors.New("stream idle past deadline")

// connectOnce performs one register-if-needed plus one long-poll
// cycle. A nil return means the poll ended normally (server closed the
// response) and the caller should reconnect without backoff.
func (c *Channel) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sid
	c.mu.Unlock()

	if sid == "" {
		if err := c.register(ctx); err != nil {
			return err
		}
	}
	return c.poll(ctx)
}

// register establishes a new channel session. The service answers with
// a chunked body whose first array carries the session id:
// [[0,["c","<sid>",...]]].
func (c *Channel) register(ctx context.Context) error {
	form := url.Values{"count": {"0"}}
	resp, err := c.doAuthed(ctx, func(session Session) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.registerURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		applySession(req, session)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("channel register: status %d", resp.StatusCode)
	}
	body, err := netutil.ReadResponse(resp.Body)
	if err != nil {
		return fmt.Errorf("channel register: reading response: %w", err)
	}
	sid, err := parseRegisterBody(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sid = sid
	c.lastSeq = 0
	c.baselineSet = false
	c.mu.Unlock()
	c.log.Info("channel registered", "sid", sid)
	return nil
}

// parseRegisterBody extracts the session id from a registration
// response body.
func parseRegisterBody(body []byte) (string, error) {
	parser := wire.NewChunkParser()
	chunks, err := parser.Feed(body)
	if err != nil || len(chunks) == 0 {
		return "", &wire.ProtocolError{Method: "channel.register", Message: "malformed registration body"}
	}
	arr, err := wire.ParseArray([]byte(chunks[0]))
	if err != nil || len(arr) == 0 {
		return "", &wire.ProtocolError{Method: "channel.register", Message: "registration chunk is not an array"}
	}
	first, ok := arr[0].([]any)
	if !ok || len(first) < 2 {
		return "", &wire.ProtocolError{Method: "channel.register", Message: "registration array too short"}
	}
	inner, ok := first[1].([]any)
	if !ok || len(inner) < 2 {
		return "", &wire.ProtocolError{Method: "channel.register", Message: "registration payload too short"}
	}
	sid, ok := inner[1].(string)
	if !ok || sid == "" {
		return "", &wire.ProtocolError{Method: "channel.register", Message: "session id missing"}
	}
	return sid, nil
}

// poll opens the streaming connection and consumes frames until the
// server closes it, the idle watchdog fires, or a sequence gap forces
// a resync.
func (c *Channel) poll(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sid
	lastSeq := c.lastSeq
	resync := c.pendingResync
	c.mu.Unlock()

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	query := url.Values{
		"sid": {sid},
		"aid": {strconv.FormatInt(lastSeq, 10)},
	}
	resp, err := c.doAuthed(reqCtx, func(session Session) (*http.Request, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.eventsURL+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		applySession(req, session)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusGone:
		return errSIDInvalid
	default:
		return fmt.Errorf("channel poll: status %d", resp.StatusCode)
	}

	c.metrics.polls.Inc()
	c.setState(ChannelOpen)
	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()

	if resync {
		c.mu.Lock()
		c.pendingResync = false
		c.mu.Unlock()
		if c.onResync != nil {
			c.onResync(lastSeq)
		}
	}

	// Idle watchdog: if the stream goes silent past the deadline,
	// cancel the request so Read unblocks and the loop reconnects.
	var idle atomic.Bool
	watchdog := c.clock.AfterFunc(c.idleTimeout, func() {
		idle.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()

	parser := wire.NewChunkParser()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			c.metrics.bytes.Add(float64(n))
			watchdog.Reset(c.idleTimeout)
			chunks, perr := parser.Feed(buf[:n])
			if perr != nil {
				return fmt.Errorf("channel stream corrupt: %w", perr)
			}
			for _, chunk := range chunks {
				if herr := c.handleChunk(chunk); herr != nil {
					return herr
				}
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			// Server ended the poll; reconnect for the next cycle.
			return nil
		case idle.Load():
			return errIdleStream
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel read: %w", err)
		}
	}
}

// handleChunk decodes one stream chunk: an array of [sequence,
// payload] pairs. Malformed pairs are logged and skipped; a sequence
// gap aborts the connection for a resync.
func (c *Channel) handleChunk(chunk string) error {
	arr, err := wire.ParseArray([]byte(chunk))
	if err != nil {
		c.log.Warn("discarding undecodable chunk", "error", err)
		return nil
	}
	for _, elem := range arr {
		pair, ok := elem.([]any)
		if !ok || len(pair) < 2 {
			c.log.Warn("discarding malformed frame pair")
			continue
		}
		seq, err := frameSequence(pair[0])
		if err != nil {
			c.log.Warn("discarding frame with bad sequence", "error", err)
			continue
		}
		payload, ok := pair[1].([]any)
		if !ok {
			c.log.Warn("discarding frame with non-array payload", "sequence", seq)
			continue
		}
		if err := c.handleFrame(seq, payload); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame applies the sequence rules to one frame: the first
// sequence of a session is adopted as the baseline, already-seen
// sequences are dropped, the successor is delivered, anything further
// ahead is a gap requiring resync. Nothing from a frame past a gap is
// delivered.
func (c *Channel) handleFrame(seq int64, payload []any) error {
	c.mu.Lock()
	last := c.lastSeq
	switch {
	case !c.baselineSet:
		c.baselineSet = true
		c.lastSeq = seq
		c.resyncStreak = 0
	case seq <= last:
		c.mu.Unlock()
		c.log.Debug("dropping redelivered frame", "sequence", seq, "last", last)
		return nil
	case seq == last+1:
		c.lastSeq = seq
		c.resyncStreak = 0
	default:
		c.mu.Unlock()
		return &sequenceGapError{expected: last + 1, got: seq}
	}
	c.mu.Unlock()

	if isNoop(payload) {
		c.log.Debug("keepalive", "sequence", seq)
		return nil
	}

	events := make([][]any, 0, len(payload))
	for _, raw := range payload {
		event, ok := raw.([]any)
		if !ok {
			c.log.Warn("discarding non-array event", "sequence", seq)
			continue
		}
		events = append(events, event)
	}
	c.metrics.frames.Inc()
	c.onFrame(Frame{Sequence: seq, Events: events})
	return nil
}

// isNoop reports whether a frame payload is the service's keepalive
// marker: ["noop"].
func isNoop(payload []any) bool {
	if len(payload) != 1 {
		return false
	}
	s, ok := payload[0].(string)
	return ok && s == "noop"
}

// frameSequence converts a wire value to a frame sequence number.
func frameSequence(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Int64()
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("sequence has type %T", value)
	}
}

// doAuthed performs a request with the current session, refreshing the
// token and retrying once if the service answers 401. A second 401 is
// a terminal *AuthError.
func (c *Channel) doAuthed(ctx context.Context, build func(Session) (*http.Request, error)) (*http.Response, error) {
	session, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, build, session)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	session, err = c.tokens.refreshFrom(ctx, session.Generation)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, build, session)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &AuthError{Op: "call", Reason: "channel request rejected after token refresh"}
	}
	return resp, nil
}

func (c *Channel) send(ctx context.Context, build func(Session) (*http.Request, error), session Session) (*http.Response, error) {
	req, err := build(session)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Channel) setState(next ChannelState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	if !channelTransitions[prev][next] {
		c.log.Warn("unexpected channel state transition", "from", prev, "to", next)
	}
	c.state = next
	c.mu.Unlock()
	c.log.Debug("channel state", "from", prev, "to", next)
}
