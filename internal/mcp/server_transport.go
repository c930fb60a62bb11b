package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/store"
)

// IdleTimeout is the inbound-frame inactivity window after which a
// ServerTransport shuts its session down (spec §4.6).
const IdleTimeout = 5 * time.Minute

// ServerTransport is instantiated once per session, by whichever replica
// handles that session's initialize request. It subscribes the session's
// inbound and control channels to a Handler and publishes the handler's
// replies back onto the shared store, so any replica's RelayTransport can
// exchange frames with it.
type ServerTransport struct {
	sessionID string
	handler   *Handler
	backend   store.Store
	dir       *sessiondir.Directory
	logger    *slog.Logger

	idleTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	idleTimer *time.Timer
	inSub     store.Subscription
	ctrlSub   store.Subscription

	// inflight serializes inbound frame processing: deliveries from
	// Subscribe may arrive on separate goroutines, but the MCP handler is
	// single-threaded per session from its own point of view.
	inflight sync.Mutex
}

// NewServerTransport builds and wires a ServerTransport for sessionID. The
// caller is responsible for calling sessiondir.SetOwner separately; this
// only establishes the frame-routing subscriptions.
func NewServerTransport(ctx context.Context, sessionID string, handler *Handler, backend store.Store, dir *sessiondir.Directory, logger *slog.Logger) (*ServerTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ServerTransport{
		sessionID:   sessionID,
		handler:     handler,
		backend:     backend,
		dir:         dir,
		logger:      logger,
		idleTimeout: IdleTimeout,
	}

	ctrlSub, err := backend.Subscribe(ctx, sessiondir.SessionControl(sessionID), t.handleControl, t.handleSubscriptionLost)
	if err != nil {
		return nil, fmt.Errorf("mcp: subscribe session-control for %s: %w", sessionID, err)
	}
	t.ctrlSub = ctrlSub

	inSub, err := backend.Subscribe(ctx, sessiondir.SessionIn(sessionID), t.handleInbound, t.handleSubscriptionLost)
	if err != nil {
		_ = ctrlSub.Close()
		return nil, fmt.Errorf("mcp: subscribe session-in for %s: %w", sessionID, err)
	}
	t.inSub = inSub

	t.mu.Lock()
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.onIdleTimeout)
	t.mu.Unlock()

	return t, nil
}

func (t *ServerTransport) handleControl(payload []byte) {
	var msg sessiondir.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.logger.Warn("mcp: malformed control message", "session_id", t.sessionID, "error", err)
		return
	}
	if msg.Type == "shutdown" {
		t.logger.Info("mcp: session shutdown observed", "session_id", t.sessionID)
		_ = t.Close()
	}
}

func (t *ServerTransport) handleSubscriptionLost(err error) {
	t.logger.Warn("mcp: subscription lost", "session_id", t.sessionID, "error", err)
	_ = t.Close()
}

func (t *ServerTransport) handleInbound(payload []byte) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.idleTimer.Reset(t.idleTimeout)
	t.mu.Unlock()

	// Serialize handler invocations: subscription delivery order matches
	// publisher order, but callbacks may still run concurrently with a
	// slow in-flight handler call.
	t.inflight.Lock()
	defer t.inflight.Unlock()

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.logger.Warn("mcp: malformed inbound envelope", "session_id", t.sessionID, "error", err)
		return
	}
	var req Request
	if err := json.Unmarshal(env.Message, &req); err != nil {
		t.logger.Warn("mcp: malformed inbound frame", "session_id", t.sessionID, "error", err)
		return
	}

	resp := t.handler.Handle(context.Background(), &req)
	if resp == nil {
		return
	}
	if err := t.publishResponse(resp); err != nil {
		t.logger.Error("mcp: publish response failed", "session_id", t.sessionID, "error", err)
	}
}

func (t *ServerTransport) publishResponse(resp *Response) error {
	msg, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mcp: encode response: %w", err)
	}
	corrID := string(resp.ID)
	env := Envelope{
		Type:    envelopeTypeMCP,
		Message: msg,
		Options: &EnvelopeOptions{CorrelationID: corrID},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mcp: encode envelope: %w", err)
	}
	return t.backend.Publish(context.Background(), sessiondir.SessionOut(t.sessionID, corrID), payload)
}

// PublishNotification sends a server-initiated frame (no JSON-RPC id) to
// the session's stream subscribers.
func (t *ServerTransport) PublishNotification(ctx context.Context, message json.RawMessage) error {
	env := Envelope{
		Type:    envelopeTypeMCP,
		Message: message,
		Options: &EnvelopeOptions{CorrelationID: streamCorrelationID},
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mcp: encode notification envelope: %w", err)
	}
	return t.backend.Publish(ctx, sessiondir.SessionOut(t.sessionID, streamCorrelationID), payload)
}

func (t *ServerTransport) onIdleTimeout() {
	t.logger.Info("mcp: session idle timeout", "session_id", t.sessionID)
	if t.dir != nil {
		if err := t.dir.Shutdown(context.Background(), t.sessionID); err != nil {
			t.logger.Error("mcp: publish idle shutdown failed", "session_id", t.sessionID, "error", err)
		}
	}
}

// Close tears the transport down: stops the idle timer and releases both
// subscriptions. Safe to call more than once.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.idleTimer != nil {
		t.idleTimer.Stop()
	}
	t.mu.Unlock()

	var firstErr error
	if t.inSub != nil {
		if err := t.inSub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.ctrlSub != nil {
		if err := t.ctrlSub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.dir != nil {
		if err := t.dir.DeleteOwner(context.Background(), t.sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Transport = (*ServerTransport)(nil)
