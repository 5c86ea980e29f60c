// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatwire/chatwire/lib/testutil"
	"github.com/chatwire/chatwire/wire"
)

func testClientConfig(rpcURL string) Config {
	return Config{
		RPCEndpoint: rpcURL,
		RegisterURL: "http://unused.invalid/register",
		EventsURL:   "http://unused.invalid/events",
		RefreshURL:  "http://unused.invalid/token",
		Credentials: Credentials{
			RefreshToken: "refresh-1",
			AccessToken:  "tok",
		},
	}
}

func TestSendMessageNewTopic(t *testing.T) {
	server := rpcTestServer(t, func(r *http.Request, payload []any) (int, string, []any) {
		if got := r.URL.Query().Get("rpcids"); got != "RkyClb" {
			t.Errorf("rpcids = %q, want RkyClb", got)
		}
		if len(payload) != 4 {
			t.Fatalf("payload has %d positions: %v", len(payload), payload)
		}
		group, _ := payload[0].([]any)
		if len(group) != 3 || group[0] != "dm/1bM4JkAAAAE" {
			t.Errorf("group position = %v", payload[0])
		}
		localID, _ := payload[1].(string)
		if !strings.HasPrefix(localID, "chatwire-") {
			t.Errorf("local id = %q", localID)
		}
		if payload[2] != "bleepo" {
			t.Errorf("text position = %v", payload[2])
		}
		// Captured response for a new-topic send.
		return http.StatusOK, "", []any{
			[]any{"tc43GFv6nBg", []any{"dm/1bM4JkAAAAE", "1bM4JkAAAAE", int64(5)}, "1680811523142751"},
		}
	})
	defer server.Close()

	client, err := New(testClientConfig(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	created, err := client.SendMessage(context.Background(), wire.DM("1bM4JkAAAAE"), "", "bleepo")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if created.Message != "tc43GFv6nBg" {
		t.Errorf("Message = %q, want tc43GFv6nBg", created.Message)
	}
	if created.TimestampMicros != 1680811523142751 {
		t.Errorf("TimestampMicros = %d, want 1680811523142751", created.TimestampMicros)
	}
	if created.Group != wire.DM("1bM4JkAAAAE") {
		t.Errorf("Group = %v", created.Group)
	}
	if created.Text != "bleepo" || created.LocalID == "" {
		t.Errorf("Text/LocalID = %q/%q", created.Text, created.LocalID)
	}
}

func TestSendMessageReply(t *testing.T) {
	server := rpcTestServer(t, func(r *http.Request, payload []any) (int, string, []any) {
		if got := r.URL.Query().Get("rpcids"); got != "Hsd7g" {
			t.Errorf("rpcids = %q, want Hsd7g", got)
		}
		return http.StatusOK, "", []any{
			[]any{"msg-77", "topic-1", "1680811600000000"},
		}
	})
	defer server.Close()

	client, err := New(testClientConfig(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	created, err := client.SendMessage(context.Background(), wire.DM("1bM4JkAAAAE"), "topic-1", "reply text")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if created.Message != "msg-77" || created.Topic != "topic-1" {
		t.Errorf("Message/Topic = %q/%q", created.Message, created.Topic)
	}
	if created.TimestampMicros != 1680811600000000 {
		t.Errorf("TimestampMicros = %d", created.TimestampMicros)
	}
}

func TestSetReaction(t *testing.T) {
	server := rpcTestServer(t, func(r *http.Request, payload []any) (int, string, []any) {
		if got := r.URL.Query().Get("rpcids"); got != "pblUFc" {
			t.Errorf("rpcids = %q, want pblUFc", got)
		}
		if len(payload) != 5 {
			t.Fatalf("payload has %d positions: %v", len(payload), payload)
		}
		if payload[2] != "msg-1" {
			t.Errorf("message position = %v", payload[2])
		}
		if payload[3] != "👍" {
			t.Errorf("emoji position = %v", payload[3])
		}
		if payload[4] != json.Number("1") {
			t.Errorf("action position = %v, want 1 (add)", payload[4])
		}
		return http.StatusOK, "", []any{"1680811600000000"}
	})
	defer server.Close()

	client, err := New(testClientConfig(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := client.SetReaction(context.Background(), wire.DM("1bM4JkAAAAE"), "topic-1", "msg-1", "👍", true); err != nil {
		t.Fatalf("SetReaction failed: %v", err)
	}
}

func TestCatchUpGroup(t *testing.T) {
	server := rpcTestServer(t, func(r *http.Request, payload []any) (int, string, []any) {
		if got := r.URL.Query().Get("rpcids"); got != "mW8Lre" {
			t.Errorf("rpcids = %q, want mW8Lre", got)
		}
		// from_sequence is a 64-bit value and crosses as a decimal string.
		if payload[1] != "41" {
			t.Errorf("from_sequence position = %v, want \"41\"", payload[1])
		}
		return http.StatusOK, "", []any{
			[]any{
				[]any{int64(2), []any{"dm/DDD", "DDD", int64(5)}, "t1", "m1", "u1", "1000", "hello"},
				[]any{int64(4), []any{"dm/DDD", "DDD", int64(5)}, "t1", "m0", "u2", "1100"},
			},
			true,
		}
	})
	defer server.Close()

	client, err := New(testClientConfig(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	events, err := client.CatchUpGroup(context.Background(), wire.DM("DDD"), 41)
	if err != nil {
		t.Fatalf("CatchUpGroup failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	created, ok := events[0].(*MessageCreated)
	if !ok {
		t.Fatalf("events[0] = %T, want MessageCreated", events[0])
	}
	if created.Message != "m1" || created.Text != "hello" {
		t.Errorf("events[0] = %+v", created)
	}
	if _, ok := events[1].(*MessageDeleted); !ok {
		t.Errorf("events[1] = %T, want MessageDeleted", events[1])
	}
}

func TestQueryPresenceByteVector(t *testing.T) {
	const wantRequest = `[[[["105751002961729238331"],[[1,[3600]],[2,[3600]]]]]]`
	const response = `[[["105751002961729238331",[[1,[1680811523,142751]],[2,[1680811523,142751]]]]]]`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("reading body: %v", err)
			return
		}
		var envelope []json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope) != 2 {
			t.Errorf("malformed envelope: %v (%s)", err, raw)
			return
		}
		// The encoded payload must byte-match the captured request.
		if got := string(envelope[0]); got != wantRequest {
			t.Errorf("request payload =\n  %s\nwant\n  %s", got, wantRequest)
		}
		var meta []any
		if err := json.Unmarshal(envelope[1], &meta); err != nil || len(meta) == 0 {
			t.Errorf("malformed metadata: %s", envelope[1])
			return
		}
		correlation := meta[0].(string)
		io.WriteString(w, `[`+response+`,["`+correlation+`","server"]]`)
	}))
	defer server.Close()

	client, err := New(testClientConfig(server.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	presences, err := client.QueryPresence(context.Background(),
		[]string{"105751002961729238331"}, []int64{1, 2}, 3600)
	if err != nil {
		t.Fatalf("QueryPresence failed: %v", err)
	}
	if len(presences) != 1 {
		t.Fatalf("got %d presence records, want 1", len(presences))
	}
	record := presences[0]
	if record.UserID != "105751002961729238331" {
		t.Errorf("UserID = %q", record.UserID)
	}
	if len(record.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(record.Segments))
	}
	for i, want := range []int64{1, 2} {
		seg := record.Segments[i]
		if seg.Category != want {
			t.Errorf("segment %d category = %d, want %d", i, seg.Category, want)
		}
		if seg.Timestamp != 1680811523 || seg.Micros != 142751 {
			t.Errorf("segment %d time = (%d,%d)", i, seg.Timestamp, seg.Micros)
		}
	}
}

func TestSubscribersShareOrder(t *testing.T) {
	client, err := New(testClientConfig("http://unused.invalid/rpc"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var first, second []string
	client.Subscribe(func(e DomainEvent) { first = append(first, e.Meta().Message) })
	client.Subscribe(func(e DomainEvent) { second = append(second, e.Meta().Message) })

	client.routeFrame(Frame{Sequence: 1, Events: parseEvents(t, `[
		[2,["dm/DDD","DDD",5],"t1","m1","u1","100","a"],
		[2,["dm/DDD","DDD",5],"t1","m2","u1","200","b"],
		[2,["dm/DDD","DDD",5],"t1","m3","u1","300","c"]
	]`)})

	want := []string{"m1", "m2", "m3"}
	for name, got := range map[string][]string{"first": first, "second": second} {
		if len(got) != len(want) {
			t.Fatalf("%s subscriber got %d events, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s subscriber order: %v, want %v", name, got, want)
			}
		}
	}
}

func TestClientStreamsEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, streamChunk(registerBody))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("aid") == "0" {
			flushChunks(w, streamChunk(
				`[[1,[[2,["dm/DDD","DDD",5],"t1","m1","u1","1000","hi"]]]]`))
		}
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testClientConfig("http://unused.invalid/rpc")
	cfg.RegisterURL = server.URL + "/register"
	cfg.EventsURL = server.URL + "/events"
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	events := make(chan DomainEvent, 8)
	client.Subscribe(func(e DomainEvent) { events <- e })

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer client.Stop()

	event := testutil.RequireReceive(t, events, 5*time.Second, "streamed event")
	created, ok := event.(*MessageCreated)
	if !ok {
		t.Fatalf("event type = %T", event)
	}
	if created.Message != "m1" || created.Text != "hi" {
		t.Errorf("event = %+v", created)
	}
}

func TestStopForceCancelsOutstandingCommands(t *testing.T) {
	inHandler := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler <- struct{}{}
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.DrainTimeout = 50 * time.Millisecond
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	callErr := make(chan error, 1)
	go func() {
		_, err := client.SendMessage(context.Background(), wire.DM("g"), "", "never answered")
		callErr <- err
	}()
	testutil.RequireReceive(t, inHandler, 5*time.Second, "call reached server")

	// The call never finishes on its own, so Stop's drain grace period
	// elapses and the lifetime cancellation cuts it loose.
	client.Stop()

	err = testutil.RequireReceive(t, callErr, 5*time.Second, "cancelled call returned")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled after Stop, got %v", err)
	}
}
