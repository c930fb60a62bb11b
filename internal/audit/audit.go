// Package audit persists OAuth and MCP session lifecycle events to SQLite:
// client registrations, grants, token exchanges (including rejected
// replays), refresh rotations, revocations, and session create/destroy.
// Writes are buffered and flushed in batches, and every event is also
// broadcast live through a Hub for an admin-facing feed.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Event is a single audit log entry.
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"` // e.g. "client.registered", "token.exchange.rejected"
	ClientID   string    `json:"client_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
}

// Log handles audit logging to SQLite.
type Log struct {
	db          *sql.DB
	mu          sync.Mutex
	batchSize   int
	flushTicker *time.Ticker
	buffer      []Event
	bufferMu    sync.Mutex
	hub         *Hub
}

// NewLog creates a new audit log backed by the SQLite database at dbPath.
func NewLog(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		client_id TEXT,
		user_id TEXT,
		session_id TEXT,
		detail TEXT,
		client_addr TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_client_id ON audit_events(client_id);
	CREATE INDEX IF NOT EXISTS idx_audit_session_id ON audit_events(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log := &Log{
		db:        db,
		batchSize: 100,
		buffer:    make([]Event, 0, 100),
		hub:       NewHub(),
	}

	log.flushTicker = time.NewTicker(5 * time.Second)
	go log.backgroundFlush()

	return log, nil
}

// Record buffers an auth/session lifecycle event for write and broadcasts it
// live. ctx is accepted for call-site symmetry with the rest of the auth
// path; the actual write is async and batched.
func (l *Log) Record(ctx context.Context, eventType, clientID, userID string) {
	l.bufferEvent(Event{
		Timestamp: time.Now(),
		EventType: eventType,
		ClientID:  clientID,
		UserID:    userID,
	})
}

// RecordSession buffers a session lifecycle event (create/destroy/idle-timeout).
func (l *Log) RecordSession(sessionID, eventType, detail string) {
	l.bufferEvent(Event{
		Timestamp: time.Now(),
		EventType: eventType,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// EventHub returns the live event hub for real-time subscribers.
func (l *Log) EventHub() *Hub {
	return l.hub
}

func (l *Log) bufferEvent(event Event) {
	l.hub.Publish(event)

	l.bufferMu.Lock()
	defer l.bufferMu.Unlock()
	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.batchSize {
		go l.Flush()
	}
}

// Flush writes all buffered events to the database.
func (l *Log) Flush() error {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}
	events := make([]Event, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_events (
			timestamp, event_type, client_id, user_id, session_id, detail, client_addr
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, event := range events {
		if _, err := stmt.Exec(
			event.Timestamp, event.EventType, event.ClientID, event.UserID,
			event.SessionID, event.Detail, event.ClientAddr,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

func (l *Log) backgroundFlush() {
	for range l.flushTicker.C {
		_ = l.Flush()
	}
}

// QueryOptions filters Query results.
type QueryOptions struct {
	EventType string
	ClientID  string
	SessionID string
	Since     time.Time
	Limit     int
}

// Query retrieves audit events matching opts, most recent first.
func (l *Log) Query(opts QueryOptions) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		SELECT id, timestamp, event_type, client_id, user_id, session_id, detail, client_addr
		FROM audit_events
		WHERE 1=1
	`
	args := make([]interface{}, 0)

	if opts.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, opts.ClientID)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}

	limit := 100
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var clientID, userID, sessionID, detail, clientAddr sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &clientID, &userID, &sessionID, &detail, &clientAddr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ClientID = clientID.String
		e.UserID = userID.String
		e.SessionID = sessionID.String
		e.Detail = detail.String
		e.ClientAddr = clientAddr.String
		events = append(events, e)
	}
	return events, nil
}

// Close flushes any remaining events and closes the database.
func (l *Log) Close() error {
	if l.flushTicker != nil {
		l.flushTicker.Stop()
	}
	if err := l.Flush(); err != nil {
		return err
	}
	return l.db.Close()
}
