// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package chat is the protocol client for the remote chat service: it
// composes authentication ([TokenManager]), request dispatch
// ([Dispatcher]), the streaming push channel ([Channel]), and event
// normalization ([EventRouter]) behind the [Client] facade.
//
// Callers interact with two surfaces only: typed command methods on
// Client (SendMessage, ListTopics, MarkRead, ...) and the ordered
// DomainEvent stream registered through Client.Subscribe. Raw wire
// arrays never escape this package.
package chat
