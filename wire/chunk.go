// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// ChunkParser reassembles logical chunks from the streaming channel's
// byte stream. Each chunk is framed as
//
//	<length><newline><payload>
//
// where length is the payload's size in UTF-16 code units — the framing
// was written by and for JavaScript, whose string length counts UTF-16
// units, not bytes or runes. The stream delivers UTF-8, so the parser
// re-counts each rune's UTF-16 width while scanning.
//
// Network reads can split a chunk anywhere, including in the middle of a
// multi-byte rune; Feed buffers partial data until a full chunk is
// available. A parser carries state between reads and must be discarded
// after a connection error, since the buffer may hold garbage.
type ChunkParser struct {
	buf []byte
}

// NewChunkParser returns an empty parser.
func NewChunkParser() *ChunkParser {
	return &ChunkParser{}
}

// Buffered returns the number of bytes held waiting for a complete
// chunk. The channel uses this to enforce its read bound.
func (p *ChunkParser) Buffered() int {
	return len(p.buf)
}

// Feed appends newly received bytes and returns all chunk payloads that
// are now complete, in stream order. An error means the stream is
// corrupt (unparseable length prefix) and the connection must be torn
// down; the parser is not recoverable past that point.
func (p *ChunkParser) Feed(data []byte) ([]string, error) {
	p.buf = append(p.buf, data...)

	var chunks []string
	for {
		payload, consumed, err := p.next()
		if err != nil {
			return chunks, err
		}
		if consumed == 0 {
			return chunks, nil
		}
		p.buf = p.buf[consumed:]
		chunks = append(chunks, payload)
	}
}

// next attempts to extract one complete chunk from the front of the
// buffer. Returns consumed == 0 when more data is needed.
func (p *ChunkParser) next() (payload string, consumed int, err error) {
	// Locate the length prefix: ASCII digits terminated by newline.
	digits := 0
	for digits < len(p.buf) && p.buf[digits] >= '0' && p.buf[digits] <= '9' {
		digits++
	}
	if digits == len(p.buf) {
		return "", 0, nil // prefix may still be arriving
	}
	if digits == 0 || p.buf[digits] != '\n' {
		return "", 0, fmt.Errorf("wire: chunk stream corrupt: no length prefix at %q", truncateForError(p.buf))
	}

	var length int
	for _, b := range p.buf[:digits] {
		length = length*10 + int(b-'0')
	}

	// Walk complete runes after the prefix, counting UTF-16 units until
	// the declared length is reached. Stop at an incomplete trailing
	// rune — its remaining bytes are still in flight.
	start := digits + 1
	offset := start
	units := 0
	for units < length {
		if offset >= len(p.buf) {
			return "", 0, nil
		}
		r, size := utf8.DecodeRune(p.buf[offset:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(p.buf[offset:]) {
				return "", 0, nil // split multi-byte rune
			}
			return "", 0, fmt.Errorf("wire: chunk stream corrupt: invalid UTF-8 at byte %d", offset)
		}
		units += len(utf16.Encode([]rune{r}))
		offset += size
	}
	if units != length {
		// A surrogate pair straddled the declared boundary; the framing
		// cannot land mid-rune, so the stream is corrupt.
		return "", 0, fmt.Errorf("wire: chunk stream corrupt: length %d splits a UTF-16 pair", length)
	}

	return string(p.buf[start:offset]), offset, nil
}

// truncateForError bounds buffer excerpts quoted in error messages.
func truncateForError(buf []byte) []byte {
	const max = 32
	if len(buf) > max {
		return buf[:max]
	}
	return buf
}
