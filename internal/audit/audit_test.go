package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := NewLog(dbPath)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndFlush(t *testing.T) {
	l := newTestLog(t)
	l.Record(context.Background(), "client.registered", "client-1", "")
	l.Record(context.Background(), "token.exchange.succeeded", "client-1", "user-1")

	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	events, err := l.Query(QueryOptions{ClientID: "client-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestQueryFiltersByEventType(t *testing.T) {
	l := newTestLog(t)
	l.Record(context.Background(), "client.registered", "client-1", "")
	l.Record(context.Background(), "token.exchange.rejected", "client-1", "")
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	events, err := l.Query(QueryOptions{EventType: "token.exchange.rejected"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "token.exchange.rejected" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRecordSession(t *testing.T) {
	l := newTestLog(t)
	l.RecordSession("sess-1", "session.created", "")
	l.RecordSession("sess-1", "session.idle_timeout", "5m idle")
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	events, err := l.Query(QueryOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 session events, got %d", len(events))
	}
}

func TestEventHubBroadcastsLive(t *testing.T) {
	l := newTestLog(t)
	id, ch := l.EventHub().Subscribe()
	defer l.EventHub().Unsubscribe(id)

	l.Record(context.Background(), "client.registered", "client-2", "")

	select {
	case ev := <-ch:
		if ev.ClientID != "client-2" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}
