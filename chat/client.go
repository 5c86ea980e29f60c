// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatwire/chatwire/lib/clock"
	"github.com/chatwire/chatwire/wire"
)

// Config configures a Client. BaseURL and Credentials are required;
// everything else has defaults.
type Config struct {
	// BaseURL is the service root. The standard endpoint paths are
	// derived from it unless overridden individually below.
	BaseURL string

	// Endpoint overrides, for tests and nonstandard deployments.
	RPCEndpoint string
	RegisterURL string
	EventsURL   string
	RefreshURL  string

	// Credentials is the authentication material to start from.
	Credentials Credentials

	// OnCredentials, if set, is invoked with updated credentials after
	// every token refresh so they can be persisted.
	OnCredentials func(Credentials)

	// HTTPClient makes all requests. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock supplies time. Defaults to clock.Real().
	Clock clock.Clock

	// Log receives structured logs. Defaults to slog.Default().
	Log *slog.Logger

	// Registry receives the client's counters. Nil leaves them
	// unregistered.
	Registry prometheus.Registerer

	// Schemas overrides the builtin schema table, for deployments the
	// builtin no longer matches.
	Schemas *wire.SchemaTable

	// MaxInFlight caps concurrent RPC calls. Defaults to 16.
	MaxInFlight int

	// DrainTimeout bounds how long Stop waits for in-flight calls
	// before force-cancelling them. Defaults to 5s.
	DrainTimeout time.Duration

	// CatchUpPageSize is the page size for post-resync catch-up calls.
	// Defaults to 100.
	CatchUpPageSize int
}

// Client is the public surface of the protocol client: typed command
// methods plus an ordered domain-event subscription. Construct with
// New, connect with Start.
type Client struct {
	log          *slog.Logger
	clock        clock.Clock
	codec        *wire.Codec
	tokens       *TokenManager
	dispatcher   *Dispatcher
	channel      *Channel
	router       *EventRouter
	drainTimeout time.Duration
	catchUpPage  int

	// lifetime outlives Start's context so Stop can force-cancel
	// whatever is still in flight after the drain grace period.
	lifetime       context.Context
	cancelLifetime context.CancelFunc

	mu          sync.Mutex
	subscribers []func(DomainEvent)
	started     bool
}

// New validates cfg and assembles a Client. The streaming channel is
// not connected until Start.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" && (cfg.RPCEndpoint == "" || cfg.RegisterURL == "" || cfg.EventsURL == "" || cfg.RefreshURL == "") {
		return nil, errors.New("chat: BaseURL (or every endpoint override) is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	rpcEndpoint := cfg.RPCEndpoint
	if rpcEndpoint == "" {
		rpcEndpoint = base + "/api/data"
	}
	registerURL := cfg.RegisterURL
	if registerURL == "" {
		registerURL = base + "/channel/register"
	}
	eventsURL := cfg.EventsURL
	if eventsURL == "" {
		eventsURL = base + "/channel/events"
	}
	refreshURL := cfg.RefreshURL
	if refreshURL == "" {
		refreshURL = base + "/auth/token"
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	schemas := cfg.Schemas
	if schemas == nil {
		schemas = wire.Builtin()
	}
	codec := wire.NewCodec(schemas)

	tokens, err := FromCredentials(cfg.Credentials, TokenManagerConfig{
		HTTPClient: cfg.HTTPClient,
		RefreshURL: refreshURL,
		Clock:      clk,
		Log:        log,
		OnRefresh:  cfg.OnCredentials,
	})
	if err != nil {
		return nil, err
	}

	lifetime, cancelLifetime := context.WithCancel(context.Background())
	c := &Client{
		log:            log,
		clock:          clk,
		codec:          codec,
		tokens:         tokens,
		drainTimeout:   cfg.DrainTimeout,
		catchUpPage:    cfg.CatchUpPageSize,
		lifetime:       lifetime,
		cancelLifetime: cancelLifetime,
	}
	if c.drainTimeout <= 0 {
		c.drainTimeout = 5 * time.Second
	}
	if c.catchUpPage <= 0 {
		c.catchUpPage = 100
	}

	c.dispatcher = NewDispatcher(DispatcherConfig{
		HTTPClient:  cfg.HTTPClient,
		Endpoint:    rpcEndpoint,
		Codec:       codec,
		Tokens:      tokens,
		Clock:       clk,
		Log:         log,
		MaxInFlight: cfg.MaxInFlight,
	})
	c.router = NewEventRouter(codec, log)
	c.channel = NewChannel(ChannelConfig{
		HTTPClient:  cfg.HTTPClient,
		RegisterURL: registerURL,
		EventsURL:   eventsURL,
		Tokens:      tokens,
		Clock:       clk,
		Log:         log,
		Registry:    cfg.Registry,
		OnFrame:     c.routeFrame,
		OnResync:    c.catchUp,
	})
	return c, nil
}

// Subscribe registers a consumer of the domain-event stream. Every
// subscriber receives every event, in the same order, from the
// channel's reader goroutine — handlers must not block indefinitely.
// Subscribing after Start is allowed; the new subscriber sees events
// from that point on.
func (c *Client) Subscribe(handler func(DomainEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, handler)
}

// Start opens the streaming channel. Commands work before Start;
// events only flow after it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("chat: client already started")
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		// Stop the channel if the caller's context ends first.
		select {
		case <-ctx.Done():
			c.cancelLifetime()
		case <-c.lifetime.Done():
		}
	}()
	return c.channel.Start(c.lifetime)
}

// Stop tears the client down: the channel's pending read is cancelled
// and reconnects stop, then in-flight calls get a bounded grace period
// to finish before being force-cancelled.
func (c *Client) Stop() {
	c.channel.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	if err := c.dispatcher.Drain(drainCtx); err != nil {
		c.log.Warn("drain grace period elapsed, force-cancelling in-flight calls")
	}
	c.cancelLifetime()
}

// routeFrame runs on the channel's reader goroutine: classify, then
// fan out to every subscriber in order.
func (c *Client) routeFrame(frame Frame) {
	c.deliver(c.router.Classify(frame))
}

func (c *Client) deliver(events []DomainEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	subscribers := make([]func(DomainEvent), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.mu.Unlock()

	for _, event := range events {
		for _, handler := range subscribers {
			handler(event)
		}
	}
}

// catchUp replays events missed across a sequence gap. It runs on the
// channel's reader goroutine right after the resync reconnect, so
// replayed events keep their position ahead of new stream frames; the
// router's dedup absorbs any overlap with redelivered ones.
func (c *Client) catchUp(lastSequence int64) {
	ctx, cancel := context.WithTimeout(c.lifetime, 30*time.Second)
	defer cancel()

	result, err := c.dispatcher.Call(ctx, "catchup.user", map[string]any{
		"from_sequence": lastSequence,
		"page_size":     int64(c.catchUpPage),
	})
	if err != nil {
		c.log.Warn("catch-up call failed, relying on stream redelivery", "error", err)
		return
	}

	raw := result.Array("events")
	events := make([][]any, 0, len(raw))
	for _, item := range raw {
		event, ok := item.([]any)
		if !ok {
			c.log.Warn("skipping non-array catch-up event")
			continue
		}
		events = append(events, event)
	}
	c.deliver(c.router.Classify(Frame{Sequence: lastSequence, Events: events}))

	if len(raw) > 0 && !result.Bool("complete") {
		c.log.Warn("catch-up page incomplete, remaining events arrive via stream",
			"from_sequence", lastSequence, "replayed", len(events))
	}
}

// commandContext derives a context cancelled by either the caller or
// client teardown, so Stop can force-cancel outstanding commands.
func (c *Client) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// SendMessage sends text into a conversation. An empty topicID starts
// a new topic; otherwise the message is a reply within that topic. The
// returned event mirrors what other clients will observe on their
// streams, with LocalID set to the caller-generated echo id.
func (c *Client) SendMessage(ctx context.Context, group wire.ID, topicID, text string) (*MessageCreated, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	localID := "chatwire-" + uuid.NewString()
	if topicID == "" {
		result, err := c.dispatcher.Call(ctx, "message.create_topic", map[string]any{
			"group_id": group,
			"local_id": localID,
			"text":     text,
		})
		if err != nil {
			return nil, err
		}
		topic := result.Object("topic")
		if topic == nil {
			return nil, &wire.ProtocolError{Method: "message.create_topic", Message: "response carried no topic"}
		}
		id := objString(topic, "id")
		return &MessageCreated{
			EventMeta: EventMeta{
				Group:           group,
				Topic:           id,
				Message:         id,
				TimestampMicros: objInt64(topic, "create_time"),
			},
			Text:    text,
			LocalID: localID,
		}, nil
	}

	result, err := c.dispatcher.Call(ctx, "message.create", map[string]any{
		"group_id": group,
		"topic_id": topicID,
		"local_id": localID,
		"text":     text,
	})
	if err != nil {
		return nil, err
	}
	message := result.Object("message")
	if message == nil {
		return nil, &wire.ProtocolError{Method: "message.create", Message: "response carried no message"}
	}
	return &MessageCreated{
		EventMeta: EventMeta{
			Group:           group,
			Topic:           topicID,
			Message:         objString(message, "id"),
			TimestampMicros: objInt64(message, "create_time"),
		},
		Text:    text,
		LocalID: localID,
	}, nil
}

// EditMessage replaces a message's text. Returns the server-assigned
// edit time in microseconds, when the service reports one.
func (c *Client) EditMessage(ctx context.Context, group wire.ID, topicID, messageID, text string) (int64, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	result, err := c.dispatcher.Call(ctx, "message.edit", map[string]any{
		"group_id":   group,
		"topic_id":   topicID,
		"message_id": messageID,
		"text":       text,
	})
	if err != nil {
		return 0, err
	}
	return result.Int64("edit_time"), nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, group wire.ID, topicID, messageID string) error {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	_, err := c.dispatcher.Call(ctx, "message.delete", map[string]any{
		"group_id":   group,
		"topic_id":   topicID,
		"message_id": messageID,
	})
	return err
}

// message.react actions on the wire.
const (
	reactionActionAdd    = int64(1)
	reactionActionRemove = int64(2)
)

// SetReaction adds or removes an emoji reaction on a message. The
// resulting state change arrives back on the event stream as a
// ReactionChanged event.
func (c *Client) SetReaction(ctx context.Context, group wire.ID, topicID, messageID, emoji string, add bool) error {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	action := reactionActionRemove
	if add {
		action = reactionActionAdd
	}
	_, err := c.dispatcher.Call(ctx, "message.react", map[string]any{
		"group_id":   group,
		"topic_id":   topicID,
		"message_id": messageID,
		"emoji":      emoji,
		"action":     action,
	})
	return err
}

// typing.set states on the wire.
const (
	typingStateTyping  = int64(1)
	typingStateStopped = int64(2)
)

// SetTyping reports the puppeted user's typing state in a
// conversation. Returns the server-assigned start time in
// microseconds.
func (c *Client) SetTyping(ctx context.Context, group wire.ID, topicID string, typing bool) (int64, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	state := typingStateStopped
	if typing {
		state = typingStateTyping
	}
	params := map[string]any{
		"context": map[string]any{"group_id": group},
		"state":   state,
	}
	if topicID != "" {
		params["context"].(map[string]any)["topic_id"] = topicID
	}
	result, err := c.dispatcher.Call(ctx, "typing.set", params)
	if err != nil {
		return 0, err
	}
	return result.Int64("start_time"), nil
}

// Topic is one thread in a conversation listing.
type Topic struct {
	ID                  string
	CreateTimeMicros    int64
	LastEventTimeMicros int64
	Sender              string
	Text                string
}

// TopicPage is one page of a conversation's topics. An empty
// NextCursor means the listing is complete.
type TopicPage struct {
	Topics     []Topic
	NextCursor string
}

// ListTopics returns one page of a conversation's topics, newest
// first. Pass an empty cursor for the first page and the previous
// page's NextCursor after that.
func (c *Client) ListTopics(ctx context.Context, group wire.ID, pageSize int, cursor string) (*TopicPage, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	params := map[string]any{
		"group_id":  group,
		"page_size": int64(pageSize),
	}
	if cursor != "" {
		params["cursor"] = cursor
	}
	result, err := c.dispatcher.Call(ctx, "topics.list", params)
	if err != nil {
		return nil, err
	}

	page := &TopicPage{NextCursor: result.String("next_cursor")}
	for _, item := range result.Array("topics") {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		page.Topics = append(page.Topics, Topic{
			ID:                  objString(obj, "id"),
			CreateTimeMicros:    objInt64(obj, "create_time"),
			LastEventTimeMicros: objInt64(obj, "last_event_time"),
			Sender:              objString(obj, "sender_id"),
			Text:                objString(obj, "text"),
		})
	}
	return page, nil
}

// Member is one participant in a conversation.
type Member struct {
	UserID      string
	DisplayName string
	Role        int64
}

// MemberPage is one page of a conversation's members.
type MemberPage struct {
	Members    []Member
	NextCursor string
}

// ListMembers returns one page of a conversation's participants.
func (c *Client) ListMembers(ctx context.Context, group wire.ID, pageSize int, cursor string) (*MemberPage, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	params := map[string]any{"group_id": group}
	if pageSize > 0 {
		params["page_size"] = int64(pageSize)
	}
	if cursor != "" {
		params["cursor"] = cursor
	}
	result, err := c.dispatcher.Call(ctx, "members.list", params)
	if err != nil {
		return nil, err
	}

	page := &MemberPage{NextCursor: result.String("next_cursor")}
	for _, item := range result.Array("members") {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		page.Members = append(page.Members, Member{
			UserID:      objString(obj, "user_id"),
			DisplayName: objString(obj, "display_name"),
			Role:        objInt64(obj, "role"),
		})
	}
	return page, nil
}

// MarkRead advances the puppeted user's read position in a
// conversation to lastReadMicros.
func (c *Client) MarkRead(ctx context.Context, group wire.ID, lastReadMicros int64) error {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	_, err := c.dispatcher.Call(ctx, "group.mark_read", map[string]any{
		"group_id":       group,
		"last_read_time": lastReadMicros,
	})
	return err
}

// CatchUpGroup replays one conversation's events from a sequence
// position and returns them classified, in order. Bridges use it to
// backfill a single conversation without waiting on the stream, for
// example right after bringing a new portal online.
func (c *Client) CatchUpGroup(ctx context.Context, group wire.ID, fromSequence int64) ([]DomainEvent, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	result, err := c.dispatcher.Call(ctx, "catchup.group", map[string]any{
		"group_id":      group,
		"from_sequence": fromSequence,
		"page_size":     int64(c.catchUpPage),
	})
	if err != nil {
		return nil, err
	}

	raw := result.Array("events")
	events := make([][]any, 0, len(raw))
	for _, item := range raw {
		event, ok := item.([]any)
		if !ok {
			c.log.Warn("skipping non-array catch-up event", "group", group)
			continue
		}
		events = append(events, event)
	}
	if len(raw) > 0 && !result.Bool("complete") {
		c.log.Warn("group catch-up page incomplete",
			"group", group, "from_sequence", fromSequence, "replayed", len(events))
	}

	// A fresh router: replayed history must not be suppressed by, or
	// pollute, the stream router's dedup memory.
	return NewEventRouter(c.codec, c.log).Classify(Frame{Sequence: fromSequence, Events: events}), nil
}

// PresenceSegment is one (category, time) entry of a presence record.
type PresenceSegment struct {
	Category int64
	// Timestamp and Micros carry the service's split second/microsecond
	// encoding of the segment time.
	Timestamp int64
	Micros    int64
}

// Presence is one user's presence record.
type Presence struct {
	UserID   string
	Segments []PresenceSegment
}

// QueryPresence fetches presence for the given users across the given
// categories, each bucketed over durationSeconds.
func (c *Client) QueryPresence(ctx context.Context, userIDs []string, categories []int64, durationSeconds int64) ([]Presence, error) {
	ctx, cancel := c.commandContext(ctx)
	defer cancel()

	ids := make([]any, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id
	}
	buckets := make([]any, len(categories))
	for i, category := range categories {
		buckets[i] = map[string]any{
			"category":  category,
			"durations": []any{durationSeconds},
		}
	}
	result, err := c.dispatcher.Call(ctx, "presence.query", map[string]any{
		"queries": []any{map[string]any{
			"user_ids": ids,
			"buckets":  buckets,
		}},
	})
	if err != nil {
		return nil, err
	}

	var out []Presence
	for _, item := range result.Array("presences") {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		presence := Presence{UserID: objString(obj, "user_id")}
		for _, segItem := range objArray(obj, "segments") {
			seg, ok := segItem.(map[string]any)
			if !ok {
				continue
			}
			times := objArray(seg, "times")
			entry := PresenceSegment{Category: objInt64(seg, "category")}
			if len(times) > 0 {
				entry.Timestamp, _ = times[0].(int64)
			}
			if len(times) > 1 {
				entry.Micros, _ = times[1].(int64)
			}
			presence.Segments = append(presence.Segments, entry)
		}
		out = append(out, presence)
	}
	return out, nil
}

// ChannelState exposes the streaming channel's lifecycle state, for
// health reporting.
func (c *Client) ChannelState() ChannelState { return c.channel.State() }

// Credentials returns the current credential material, for persisting
// on shutdown.
func (c *Client) Credentials() Credentials { return c.tokens.Credentials() }

// Decoded object field accessors. Result.Object values are
// map[string]any keyed by schema field names.

func objString(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func objInt64(obj map[string]any, key string) int64 {
	n, _ := obj[key].(int64)
	return n
}

func objArray(obj map[string]any, key string) []any {
	arr, _ := obj[key].([]any)
	return arr
}
