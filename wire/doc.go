// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the codec boundary between typed Go values and
// the chat service's positional, nested-array wire encoding.
//
// The service has no public API. Its web client exchanges untyped JSON
// arrays where meaning is carried entirely by position: field 0 of one
// procedure is a user ID, field 0 of another is a page cursor. Everything
// this package knows about those positions was determined empirically by
// observing the web client's traffic, and is captured as a schema table
// ([SchemaTable]) rather than as code. When the service redeploys and a
// schema drifts, the fix is a data change to the table, not a code change
// — no component outside this package ever touches a raw array.
//
// [Codec.Encode] places typed parameters at their schema positions,
// writing null for absent optional fields and collapsing composite values
// (an [ID] becomes the three-element array [canonical, raw, type]).
// [Codec.Decode] walks a response array against the schema, converting
// positions back to named fields. Large integers cross the wire as
// decimal strings and are parsed as int64 — never through float64, which
// would silently lose precision above 2^53.
//
// Decode is deliberately tolerant: a malformed element inside a list does
// not abort its siblings. Per-element failures are collected as
// [Fault] values on the [Result] so the caller can log and continue,
// which is the only sane posture against a service that changes shape
// underneath us without notice.
//
// [ChunkParser] handles the framing of the streaming push channel: each
// logical chunk is prefixed with a decimal length and a newline, where
// the length counts UTF-16 code units of the payload (the service is a
// JavaScript client talking to itself). Chunks may be split arbitrarily
// across network reads, including mid-rune; the parser buffers until a
// complete chunk is available.
package wire
