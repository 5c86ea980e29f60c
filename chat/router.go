// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"errors"
	"log/slog"

	"github.com/chatwire/chatwire/wire"
)

// maxDedupEntries bounds the router's duplicate-suppression memory.
// When exceeded, the oldest half (by insertion order) is pruned.
const maxDedupEntries = 4096

// EventRouter classifies raw channel frames into domain events,
// suppressing duplicates redelivered across resyncs. It is used from a
// single goroutine — the channel's reader — and is not safe for
// concurrent use.
type EventRouter struct {
	codec *wire.Codec
	log   *slog.Logger

	// seen maps group|topic|message to the newest timestamp already
	// emitted, for idempotent delivery across resync redelivery. order
	// holds the same keys oldest-first so pruning can evict by age.
	seen  map[string]int64
	order []string
}

// NewEventRouter creates a router over the given codec.
func NewEventRouter(codec *wire.Codec, log *slog.Logger) *EventRouter {
	if log == nil {
		log = slog.Default()
	}
	return &EventRouter{
		codec: codec,
		log:   log,
		seen:  make(map[string]int64),
	}
}

// Classify decodes every event in the frame, in order, into domain
// events. Unrecognized or malformed shapes are logged and skipped so
// schema drift from the remote service never fails a whole frame.
// Duplicates of already-emitted events are suppressed.
func (r *EventRouter) Classify(frame Frame) []DomainEvent {
	var out []DomainEvent
	for _, raw := range frame.Events {
		out = append(out, r.classifyOne(raw)...)
	}
	return out
}

// classifyOne decodes a single event array, recursing into embedded
// bodies. A message that starts a new topic can carry its follow-up
// events inline; each is routed as if it arrived on its own.
func (r *EventRouter) classifyOne(raw []any) []DomainEvent {
	name, result, err := r.codec.DecodeEvent(raw)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownShape) {
			r.log.Warn("skipping event with unknown shape", "error", err)
		} else {
			r.log.Warn("skipping undecodable event", "error", err)
		}
		return nil
	}
	for _, fault := range result.Faults {
		r.log.Warn("event element dropped", "event", name, "path", fault.Path, "error", fault.Err)
	}

	event := r.build(name, result)
	if event == nil {
		return nil
	}

	var out []DomainEvent
	if !r.duplicate(event) {
		out = append(out, event)
	}
	for _, body := range result.Array("bodies") {
		embedded, ok := body.([]any)
		if !ok {
			r.log.Warn("skipping non-array embedded body", "event", name)
			continue
		}
		out = append(out, r.classifyOne(embedded)...)
	}
	return out
}

// build maps a decoded event shape to its domain event.
func (r *EventRouter) build(name string, result *wire.Result) DomainEvent {
	meta := EventMeta{
		Group:           result.ID("group_id"),
		Topic:           result.String("topic_id"),
		Message:         result.String("message_id"),
		Sender:          result.String("sender_id"),
		TimestampMicros: result.Int64("timestamp"),
	}

	switch name {
	case "message_posted":
		return &MessageCreated{
			EventMeta: meta,
			Text:      result.String("text"),
			LocalID:   result.String("local_id"),
		}
	case "message_edited":
		return &MessageEdited{EventMeta: meta, Text: result.String("text")}
	case "message_deleted":
		return &MessageDeleted{EventMeta: meta}
	case "reaction_changed":
		return &ReactionChanged{
			EventMeta: meta,
			Emoji:     result.String("emoji"),
			Added:     result.Bool("added"),
		}
	case "read_receipt":
		meta.Sender = result.String("user_id")
		return &ReadReceipt{EventMeta: meta}
	case "typing_state":
		meta.Sender = result.String("user_id")
		return &TypingState{EventMeta: meta, Typing: result.Int64("state") == 1}
	case "membership_changed":
		meta.Sender = result.String("user_id")
		return &MembershipChanged{EventMeta: meta, Joined: result.Int64("change") == 1}
	default:
		r.log.Warn("event shape has no domain mapping", "event", name)
		return nil
	}
}

// duplicate reports whether the event repeats one already emitted for
// the same conversation and message, at an equal or earlier timestamp.
// Events without a message dimension (typing, receipts, membership)
// always pass.
func (r *EventRouter) duplicate(event DomainEvent) bool {
	meta := event.Meta()
	if meta.Message == "" {
		return false
	}
	key := meta.Group.Canonical() + "|" + meta.Topic + "|" + meta.Message

	if last, ok := r.seen[key]; ok && meta.TimestampMicros <= last {
		r.log.Debug("suppressing duplicate event",
			"key", key, "timestamp", meta.TimestampMicros, "last", last)
		return true
	}
	r.remember(key, meta.TimestampMicros)
	return false
}

func (r *EventRouter) remember(key string, timestamp int64) {
	if _, known := r.seen[key]; !known {
		if len(r.seen) >= maxDedupEntries {
			r.prune()
		}
		r.order = append(r.order, key)
	}
	r.seen[key] = timestamp
}

// prune drops the oldest half of the dedup memory, by insertion order.
// Entries that old are far outside any realistic resync redelivery
// window. Insertion order, not timestamps, drives the eviction so it
// always frees room even when every retained timestamp is identical.
func (r *EventRouter) prune() {
	cut := len(r.order) / 2
	for _, key := range r.order[:cut] {
		delete(r.seen, key)
	}
	r.order = append(r.order[:0:0], r.order[cut:]...)
}
