// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import "github.com/chatwire/chatwire/wire"

// EventMeta carries the normalized fields common to every domain event.
// Topic, Message, and Sender are empty when the event kind has no such
// dimension (a read receipt has no message, typing has no sender's
// message, and so on).
type EventMeta struct {
	// Group identifies the conversation the event belongs to.
	Group wire.ID
	// Topic is the thread id within the group, if any.
	Topic string
	// Message is the message id the event concerns, if any.
	Message string
	// Sender is the acting user's id.
	Sender string
	// TimestampMicros is the server-assigned event time in microseconds
	// since the Unix epoch.
	TimestampMicros int64
}

// DomainEvent is the normalized event vocabulary delivered to
// subscribers. The set of implementations is closed: MessageCreated,
// MessageEdited, MessageDeleted, ReactionChanged, ReadReceipt,
// TypingState, MembershipChanged.
type DomainEvent interface {
	Meta() EventMeta
	domainEvent()
}

// MessageCreated reports a new message. For messages this client sent,
// LocalID echoes the caller-generated id so the bridge can match its
// own echo.
type MessageCreated struct {
	EventMeta
	Text    string
	LocalID string
}

// MessageEdited reports a message body change.
type MessageEdited struct {
	EventMeta
	Text string
}

// MessageDeleted reports a message removal.
type MessageDeleted struct {
	EventMeta
}

// ReactionChanged reports an emoji reaction being added or removed.
type ReactionChanged struct {
	EventMeta
	Emoji string
	Added bool
}

// ReadReceipt reports a user's read position advancing. The meta
// timestamp is the read position itself.
type ReadReceipt struct {
	EventMeta
}

// TypingState reports a user starting or stopping typing.
type TypingState struct {
	EventMeta
	Typing bool
}

// MembershipChanged reports a user joining or leaving a group. The
// meta sender is the affected user.
type MembershipChanged struct {
	EventMeta
	Joined bool
}

func (e *MessageCreated) Meta() EventMeta    { return e.EventMeta }
func (e *MessageEdited) Meta() EventMeta     { return e.EventMeta }
func (e *MessageDeleted) Meta() EventMeta    { return e.EventMeta }
func (e *ReactionChanged) Meta() EventMeta   { return e.EventMeta }
func (e *ReadReceipt) Meta() EventMeta       { return e.EventMeta }
func (e *TypingState) Meta() EventMeta       { return e.EventMeta }
func (e *MembershipChanged) Meta() EventMeta { return e.EventMeta }

func (*MessageCreated) domainEvent()    {}
func (*MessageEdited) domainEvent()     {}
func (*MessageDeleted) domainEvent()    {}
func (*ReactionChanged) domainEvent()   {}
func (*ReadReceipt) domainEvent()       {}
func (*TypingState) domainEvent()       {}
func (*MembershipChanged) domainEvent() {}
