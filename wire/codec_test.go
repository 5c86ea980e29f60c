// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"reflect"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	return NewCodec(Builtin())
}

// presenceParams is the captured presence lookup for one user with two
// duration buckets.
func presenceParams() map[string]any {
	return map[string]any{
		"queries": []any{
			map[string]any{
				"user_ids": []any{"105751002961729238331"},
				"buckets": []any{
					map[string]any{"category": 1, "durations": []any{3600}},
					map[string]any{"category": 2, "durations": []any{3600}},
				},
			},
		},
	}
}

func TestEncodePresenceQueryMatchesCapture(t *testing.T) {
	codec := newTestCodec(t)

	arr, err := codec.Encode("presence.query", presenceParams())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	data, err := MarshalArray(arr)
	if err != nil {
		t.Fatalf("MarshalArray failed: %v", err)
	}

	const captured = `[[[["105751002961729238331"],[[1,[3600]],[2,[3600]]]]]]`
	if string(data) != captured {
		t.Errorf("encoded bytes do not match capture:\n got: %s\nwant: %s", data, captured)
	}
}

func TestDecodePresenceResponse(t *testing.T) {
	codec := newTestCodec(t)

	arr, err := ParseArray([]byte(
		`[[["105751002961729238331",[[1,[1680811523,142751]],[2,[1680811523,142751]]]]]]`))
	if err != nil {
		t.Fatalf("ParseArray failed: %v", err)
	}

	result, err := codec.Decode("presence.query", arr)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(result.Faults) != 0 {
		t.Fatalf("unexpected faults: %v", result.Faults)
	}

	presences := result.Array("presences")
	if len(presences) != 1 {
		t.Fatalf("expected 1 presence, got %d", len(presences))
	}
	presence := presences[0].(map[string]any)
	if presence["user_id"] != "105751002961729238331" {
		t.Errorf("unexpected user id: %v", presence["user_id"])
	}
	segments := presence["segments"].([]any)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	for i, wantCategory := range []int64{1, 2} {
		segment := segments[i].(map[string]any)
		if segment["category"] != wantCategory {
			t.Errorf("segment %d: category = %v, want %d", i, segment["category"], wantCategory)
		}
		times := segment["times"].([]any)
		if !reflect.DeepEqual(times, []any{int64(1680811523), int64(142751)}) {
			t.Errorf("segment %d: times = %v", i, times)
		}
	}
}

func TestDecodeCreateTopicResponseBigIntTimestamp(t *testing.T) {
	codec := newTestCodec(t)

	// Captured response to sending "bleepo" into dm/1bM4JkAAAAE. The
	// create time is a microsecond timestamp as a decimal string and
	// must come back as an exact int64.
	arr, err := ParseArray([]byte(
		`[["tc43GFv6nBg",["dm/1bM4JkAAAAE","1bM4JkAAAAE",5],"1680811523142751"]]`))
	if err != nil {
		t.Fatalf("ParseArray failed: %v", err)
	}

	result, err := codec.Decode("message.create_topic", arr)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	topic := result.Object("topic")
	if topic["id"] != "tc43GFv6nBg" {
		t.Errorf("unexpected topic id: %v", topic["id"])
	}
	if topic["create_time"] != int64(1680811523142751) {
		t.Errorf("create_time = %v (%T), want 1680811523142751", topic["create_time"], topic["create_time"])
	}
	wantGroup := ID{Kind: KindDM, Raw: "1bM4JkAAAAE", Type: TypeDM}
	if topic["group_id"] != wantGroup {
		t.Errorf("group_id = %v, want %v", topic["group_id"], wantGroup)
	}
}

func TestRoundTrips(t *testing.T) {
	codec := newTestCodec(t)

	tests := []struct {
		method string
		params map[string]any
	}{
		{"presence.query", presenceParams()},
		{"message.create_topic", map[string]any{
			"group_id": DM("1bM4JkAAAAE"),
			"local_id": "chatwire%1234",
			"text":     "bleepo",
			"history":  true,
		}},
		{"message.edit", map[string]any{
			"group_id":   Space("AAAAfwlnHDo"),
			"topic_id":   "tc43GFv6nBg",
			"message_id": "m42",
			"text":       "edited",
		}},
		{"topics.list", map[string]any{
			"group_id":  Space("AAAAfwlnHDo"),
			"page_size": 25,
			"cursor":    "page2",
		}},
		{"group.mark_read", map[string]any{
			"group_id":       DM("1bM4JkAAAAE"),
			"last_read_time": int64(1680811523142751),
		}},
	}

	for _, test := range tests {
		t.Run(test.method, func(t *testing.T) {
			// Encode, marshal, reparse, marshal again: byte-stable.
			encoded, err := codec.Encode(test.method, test.params)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			data, err := MarshalArray(encoded)
			if err != nil {
				t.Fatalf("MarshalArray failed: %v", err)
			}
			reparsed, err := ParseArray(data)
			if err != nil {
				t.Fatalf("ParseArray failed: %v", err)
			}
			again, err := MarshalArray(reparsed)
			if err != nil {
				t.Fatalf("MarshalArray (reparsed) failed: %v", err)
			}
			if string(data) != string(again) {
				t.Errorf("wire bytes not stable:\n first: %s\nsecond: %s", data, again)
			}
		})
	}
}

func TestDecodeRequestRoundTrip(t *testing.T) {
	// Decoding an encoded request against the request schema must
	// reproduce the original parameters, and re-encoding the decoded
	// fields must reproduce the wire bytes.
	table := Builtin()
	codec := NewCodec(table)

	params := map[string]any{
		"group_id":   DM("1bM4JkAAAAE"),
		"topic_id":   "tc43GFv6nBg",
		"message_id": "m42",
	}
	encoded, err := codec.Encode("message.delete", params)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	method, err := table.Method("message.delete")
	if err != nil {
		t.Fatalf("Method lookup failed: %v", err)
	}
	decoded, err := decodeArray("message.delete", method.Request, encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !reflect.DeepEqual(decoded.Fields, params) {
		t.Errorf("decoded fields = %#v, want %#v", decoded.Fields, params)
	}

	reencoded, err := encodeFields(method.Request, decoded.Fields)
	if err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !reflect.DeepEqual(reencoded, encoded) {
		t.Errorf("re-encoded array = %#v, want %#v", reencoded, encoded)
	}
}

func TestDecodeFaultContainment(t *testing.T) {
	codec := newTestCodec(t)

	// Element 1 has a non-string topic id; elements 0 and 2 are fine.
	// The bad element becomes a fault, its siblings decode normally.
	arr, err := ParseArray([]byte(
		`[[["t1","1680000000000001"],[42,"1680000000000002"],["t3","1680000000000003"]],"next"]`))
	if err != nil {
		t.Fatalf("ParseArray failed: %v", err)
	}

	result, err := codec.Decode("topics.list", arr)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	topics := result.Array("topics")
	if len(topics) != 2 {
		t.Fatalf("expected 2 surviving topics, got %d", len(topics))
	}
	if topics[0].(map[string]any)["id"] != "t1" || topics[1].(map[string]any)["id"] != "t3" {
		t.Errorf("wrong surviving topics: %v", topics)
	}
	if len(result.Faults) != 1 {
		t.Fatalf("expected 1 fault, got %d: %v", len(result.Faults), result.Faults)
	}
	if result.Faults[0].Path != "topics[1]" {
		t.Errorf("fault path = %q, want topics[1]", result.Faults[0].Path)
	}
	if result.String("next_cursor") != "next" {
		t.Errorf("next_cursor = %q, want next", result.String("next_cursor"))
	}
}

func TestDecodeShapeMismatchIsProtocolError(t *testing.T) {
	codec := newTestCodec(t)

	// message.create_topic requires the topic object at position 0.
	result, err := codec.Decode("message.create_topic", []any{})
	if err == nil {
		t.Fatalf("expected error, got result %#v", result)
	}
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if protoErr.Method != "message.create_topic" {
		t.Errorf("error method = %q", protoErr.Method)
	}
}

func TestEncodeMissingRequiredParameter(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Encode("message.create_topic", map[string]any{
		"group_id": DM("1bM4JkAAAAE"),
		// text missing
	})
	if err == nil {
		t.Fatal("expected error for missing required parameter")
	}
}

func TestEncodeStrayParameterRejected(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Encode("message.delete", map[string]any{
		"group_id":   DM("1bM4JkAAAAE"),
		"topic_id":   "t1",
		"message_id": "m1",
		"thread_id":  "typo",
	})
	if err == nil {
		t.Fatal("expected error for stray parameter")
	}
}

func TestDecodeEvent(t *testing.T) {
	codec := newTestCodec(t)

	arr, err := ParseArray([]byte(
		`[2,["dm/1bM4JkAAAAE","1bM4JkAAAAE",5],"topic1","msg1","105751002961729238331","1680811523142751","hello"]`))
	if err != nil {
		t.Fatalf("ParseArray failed: %v", err)
	}

	name, result, err := codec.DecodeEvent(arr)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if name != "message_posted" {
		t.Errorf("event name = %q, want message_posted", name)
	}
	if result.String("message_id") != "msg1" {
		t.Errorf("message_id = %q", result.String("message_id"))
	}
	if result.Int64("timestamp") != 1680811523142751 {
		t.Errorf("timestamp = %d", result.Int64("timestamp"))
	}
}

func TestDecodeEventUnknownShape(t *testing.T) {
	codec := newTestCodec(t)

	_, _, err := codec.DecodeEvent([]any{int64(9999), "whatever"})
	if !errors.Is(err, ErrUnknownShape) {
		t.Fatalf("expected ErrUnknownShape, got %v", err)
	}
}

func TestToInt64RejectsImpreciseFloats(t *testing.T) {
	// Anything past 2^53 may have lost precision on the way in.
	if _, err := toInt64(float64(1 << 54)); err == nil {
		t.Error("expected error for float beyond exact range")
	}
	if _, err := toInt64(1.5); err == nil {
		t.Error("expected error for fractional float")
	}
	n, err := toInt64("1680811523142751")
	if err != nil || n != 1680811523142751 {
		t.Errorf("decimal string: n=%d err=%v", n, err)
	}
}
