// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"reflect"
	"testing"
	"unicode/utf16"
)

// frameChunk builds the stream framing for a payload: UTF-16 code unit
// count, newline, payload bytes.
func frameChunk(payload string) []byte {
	units := len(utf16.Encode([]rune(payload)))
	return []byte(fmt.Sprintf("%d\n%s", units, payload))
}

func TestChunkParserSingleChunk(t *testing.T) {
	parser := NewChunkParser()
	chunks, err := parser.Feed(frameChunk(`[[1,["noop"]]]`))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !reflect.DeepEqual(chunks, []string{`[[1,["noop"]]]`}) {
		t.Errorf("chunks = %q", chunks)
	}
	if parser.Buffered() != 0 {
		t.Errorf("buffered = %d, want 0", parser.Buffered())
	}
}

func TestChunkParserMultipleChunksOneRead(t *testing.T) {
	parser := NewChunkParser()
	data := append(frameChunk("first"), frameChunk("second")...)
	chunks, err := parser.Feed(data)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !reflect.DeepEqual(chunks, []string{"first", "second"}) {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestChunkParserEverySplitPoint(t *testing.T) {
	// A frame must reassemble identically no matter where the network
	// splits it — including inside the length prefix and mid-rune.
	payloads := []string{`[[5,[2,"héllo wörld"]]]`, "plain ascii", "emoji \U0001F600 pair"}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, frameChunk(p)...)
	}

	for split := 0; split <= len(stream); split++ {
		parser := NewChunkParser()
		var got []string

		chunks, err := parser.Feed(stream[:split])
		if err != nil {
			t.Fatalf("split %d: first Feed failed: %v", split, err)
		}
		got = append(got, chunks...)

		chunks, err = parser.Feed(stream[split:])
		if err != nil {
			t.Fatalf("split %d: second Feed failed: %v", split, err)
		}
		got = append(got, chunks...)

		if !reflect.DeepEqual(got, payloads) {
			t.Fatalf("split %d: chunks = %q, want %q", split, got, payloads)
		}
	}
}

func TestChunkParserUTF16Length(t *testing.T) {
	// "😀" is one rune, four UTF-8 bytes, two UTF-16 code units. The
	// length prefix counts UTF-16 units, so the frame declares 2.
	parser := NewChunkParser()
	chunks, err := parser.Feed([]byte("2\n\U0001F600"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !reflect.DeepEqual(chunks, []string{"\U0001F600"}) {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestChunkParserByteFedStream(t *testing.T) {
	payload := "héllo \U0001F600"
	stream := frameChunk(payload)

	parser := NewChunkParser()
	var got []string
	for i := range stream {
		chunks, err := parser.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("byte %d: Feed failed: %v", i, err)
		}
		got = append(got, chunks...)
	}
	if !reflect.DeepEqual(got, []string{payload}) {
		t.Errorf("chunks = %q, want %q", got, []string{payload})
	}
}

func TestChunkParserIncompleteHeldBack(t *testing.T) {
	parser := NewChunkParser()
	chunks, err := parser.Feed([]byte("11\nhello"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("incomplete chunk delivered: %q", chunks)
	}
	if parser.Buffered() == 0 {
		t.Error("expected partial data to stay buffered")
	}

	chunks, err = parser.Feed([]byte(" world"))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if !reflect.DeepEqual(chunks, []string{"hello world"}) {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestChunkParserCorruptPrefix(t *testing.T) {
	parser := NewChunkParser()
	if _, err := parser.Feed([]byte("garbage without prefix")); err == nil {
		t.Fatal("expected error for missing length prefix")
	}
}
