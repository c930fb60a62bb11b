package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewRedisStoreFromClient(rdb)
}

func TestRelayTransportRoundTripsThroughServerTransport(t *testing.T) {
	backend := newTestStore(t)
	dir := sessiondir.New(backend)
	handler := NewHandler(stubCatalog{}, "test-relay", "0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := NewServerTransport(ctx, "sess-1", handler, backend, dir, nil)
	if err != nil {
		t.Fatalf("new server transport: %v", err)
	}
	defer st.Close()

	relay := NewRelayTransport("sess-1", backend)
	frame, _ := json.Marshal(Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "initialize"})

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()
	reply, err := relay.SendRequest(reqCtx, frame)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
}

func TestRelayTransportSendNotificationHasNoReply(t *testing.T) {
	backend := newTestStore(t)
	dir := sessiondir.New(backend)
	handler := NewHandler(stubCatalog{}, "test-relay", "0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := NewServerTransport(ctx, "sess-2", handler, backend, dir, nil)
	if err != nil {
		t.Fatalf("new server transport: %v", err)
	}
	defer st.Close()

	relay := NewRelayTransport("sess-2", backend)
	frame, _ := json.Marshal(Request{Jsonrpc: "2.0", Method: "notifications/initialized"})
	if err := relay.SendNotification(ctx, frame); err != nil {
		t.Fatalf("send notification: %v", err)
	}
}

func TestServerTransportShutdownClosesOnControlMessage(t *testing.T) {
	backend := newTestStore(t)
	dir := sessiondir.New(backend)
	handler := NewHandler(stubCatalog{}, "test-relay", "0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := NewServerTransport(ctx, "sess-3", handler, backend, dir, nil)
	if err != nil {
		t.Fatalf("new server transport: %v", err)
	}

	if err := dir.Shutdown(ctx, "sess-3"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		st.mu.Lock()
		closed := st.closed
		st.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for transport to observe shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayTransportStreamNotifications(t *testing.T) {
	backend := newTestStore(t)
	relay := NewRelayTransport("sess-4", backend)

	received := make(chan json.RawMessage, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := relay.StreamNotifications(ctx, func(msg json.RawMessage) {
		received <- msg
	}, func(error) {})
	if err != nil {
		t.Fatalf("stream notifications: %v", err)
	}
	defer sub.Close()

	st := &ServerTransport{sessionID: "sess-4", backend: backend}
	notif, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": "notifications/message"})
	if err := st.PublishNotification(ctx, notif); err != nil {
		t.Fatalf("publish notification: %v", err)
	}

	select {
	case msg := <-received:
		var decoded map[string]any
		if err := json.Unmarshal(msg, &decoded); err != nil {
			t.Fatalf("decode received notification: %v", err)
		}
		if decoded["method"] != "notifications/message" {
			t.Fatalf("unexpected notification: %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed notification")
	}
}
