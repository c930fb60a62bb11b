package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/store"
)

// RelayTransport is instantiated once per HTTP request or stream. It adapts
// the request/response shape of an HTTP handler onto the shared store's
// pub/sub channels, so the request can be served by a different replica
// than the one running the session's ServerTransport.
type RelayTransport struct {
	sessionID string
	backend   store.Store
}

// NewRelayTransport builds a RelayTransport for sessionID.
func NewRelayTransport(sessionID string, backend store.Store) *RelayTransport {
	return &RelayTransport{sessionID: sessionID, backend: backend}
}

func frameCorrelationID(frame json.RawMessage) (string, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return "", fmt.Errorf("mcp: decode frame: %w", err)
	}
	return string(req.ID), nil
}

// SendRequest publishes frame (a client-to-server JSON-RPC request with an
// id) to the session and blocks until the matching response arrives on
// session-out, or ctx is done. The reply subscription is registered before
// the frame is published, so a reply racing ahead of the subscriber cannot
// be missed.
func (t *RelayTransport) SendRequest(ctx context.Context, frame json.RawMessage) (json.RawMessage, error) {
	corrID, err := frameCorrelationID(frame)
	if err != nil {
		return nil, err
	}
	if corrID == "" || corrID == "null" {
		return nil, fmt.Errorf("mcp: SendRequest requires a frame with an id")
	}

	replies := make(chan []byte, 1)
	subErrs := make(chan error, 1)
	sub, err := t.backend.Subscribe(ctx, sessiondir.SessionOut(t.sessionID, corrID),
		func(payload []byte) {
			select {
			case replies <- payload:
			default:
			}
		},
		func(err error) {
			select {
			case subErrs <- err:
			default:
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("mcp: subscribe reply channel: %w", err)
	}
	defer sub.Close()

	if err := t.publishInbound(ctx, frame); err != nil {
		return nil, err
	}

	select {
	case payload := <-replies:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("mcp: decode reply envelope: %w", err)
		}
		return env.Message, nil
	case err := <-subErrs:
		return nil, fmt.Errorf("mcp: reply subscription lost: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotification publishes frame (a client-to-server frame with no id) to
// the session. No reply subscription is created.
func (t *RelayTransport) SendNotification(ctx context.Context, frame json.RawMessage) error {
	return t.publishInbound(ctx, frame)
}

func (t *RelayTransport) publishInbound(ctx context.Context, frame json.RawMessage) error {
	env := Envelope{Type: envelopeTypeMCP, Message: frame}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mcp: encode inbound envelope: %w", err)
	}
	if err := t.backend.Publish(ctx, sessiondir.SessionIn(t.sessionID), payload); err != nil {
		return fmt.Errorf("mcp: publish inbound frame: %w", err)
	}
	return nil
}

// StreamNotifications subscribes to the session's server-initiated
// notification stream, invoking onFrame for each one, until the returned
// Subscription is closed (typically on client disconnect).
func (t *RelayTransport) StreamNotifications(ctx context.Context, onFrame func(json.RawMessage), onError func(error)) (store.Subscription, error) {
	return t.backend.Subscribe(ctx, sessiondir.SessionOut(t.sessionID, streamCorrelationID),
		func(payload []byte) {
			var env Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return
			}
			onFrame(env.Message)
		},
		onError,
	)
}
