// Package sessiondir implements the session directory (spec §4.5): the
// shared-store record of which user owns which session, and the channel
// naming convention every other component (ServerTransport, RelayTransport,
// the streamable-HTTP and legacy SSE handlers) uses to address a session's
// frames on the shared store.
//
// Ownership lives in the store as a plain key; liveness is derived, not
// stored, from whether anything is still subscribed to the session's
// control channel. A replica's ServerTransport holds that subscription for
// exactly as long as the session is alive, so "is anyone listening on
// session-control(id)" is an accurate, self-expiring liveness signal that
// needs no separate heartbeat key.
package sessiondir

import (
	"context"
	"encoding/json"
	"fmt"

	"mcp-relay/internal/store"
)

// Directory implements setOwner/getOwner/isOwnedBy/shutdown over a shared
// store. It holds no in-process state; any replica can serve any session.
type Directory struct {
	backend store.Store
}

// New builds a Directory backed by backend.
func New(backend store.Store) *Directory {
	return &Directory{backend: backend}
}

func ownerKey(sessionID string) string {
	return "session:owner:" + sessionID
}

// SessionIn is the channel every inbound client-to-server MCP frame for
// sessionID is published to. ServerTransport subscribes here.
func SessionIn(sessionID string) string {
	return "session-in:" + sessionID
}

// SessionControl is the channel control messages (currently only
// {"type":"shutdown"}) are published to. ServerTransport subscribes here on
// construction and tears down on receipt; its subscription lifetime is also
// this package's liveness signal for isOwnedBy.
func SessionControl(sessionID string) string {
	return "session-control:" + sessionID
}

// SessionOut is the channel a single response or notification is delivered
// on. corrID is the JSON-RPC request id for a response, or the literal
// "__stream" for a server-initiated notification.
func SessionOut(sessionID, corrID string) string {
	return "session-out:" + sessionID + ":" + corrID
}

// SessionChannel is the single bidirectional channel used by the legacy SSE
// transport (spec §4.9), which predates request-id-addressed routing.
func SessionChannel(sessionID string) string {
	return "session-channel:" + sessionID
}

// ControlMessage is the envelope published on a session's control channel.
type ControlMessage struct {
	Type string `json:"type"`
}

// SetOwner unconditionally records userID as the owner of sessionID.
func (d *Directory) SetOwner(ctx context.Context, sessionID, userID string) error {
	_, _, err := d.backend.Set(ctx, ownerKey(sessionID), []byte(userID), store.SetOptions{})
	if err != nil {
		return fmt.Errorf("sessiondir: set owner for session %s: %w", sessionID, err)
	}
	return nil
}

// GetOwner returns the userID that owns sessionID, or "", false if no
// ownership record exists.
func (d *Directory) GetOwner(ctx context.Context, sessionID string) (userID string, ok bool, err error) {
	v, err := d.backend.Get(ctx, ownerKey(sessionID))
	if err == store.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sessiondir: get owner for session %s: %w", sessionID, err)
	}
	return string(v), true, nil
}

// IsOwnedBy reports whether sessionID is both live (something is still
// subscribed to its control channel) and owned by userID. Liveness is
// required so a stale ownership record surviving a crashed replica cannot
// authorize access to a session nothing is actually serving anymore.
func (d *Directory) IsOwnedBy(ctx context.Context, sessionID, userID string) (bool, error) {
	owner, ok, err := d.GetOwner(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ok || owner != userID {
		return false, nil
	}
	live, err := d.isLive(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return live, nil
}

func (d *Directory) isLive(ctx context.Context, sessionID string) (bool, error) {
	n, err := d.backend.SubscriberCount(ctx, SessionControl(sessionID))
	if err != nil {
		return false, fmt.Errorf("sessiondir: check liveness for session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Shutdown publishes a shutdown control message for sessionID. The
// ServerTransport (wherever it lives) observes it and tears itself down,
// which in turn drains any RelayTransport instances relying on it.
func (d *Directory) Shutdown(ctx context.Context, sessionID string) error {
	payload, err := json.Marshal(ControlMessage{Type: "shutdown"})
	if err != nil {
		return fmt.Errorf("sessiondir: encode shutdown message: %w", err)
	}
	if err := d.backend.Publish(ctx, SessionControl(sessionID), payload); err != nil {
		return fmt.Errorf("sessiondir: publish shutdown for session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteOwner removes the ownership record for sessionID. Called once a
// ServerTransport finishes tearing down, so a reused session id (vanishingly
// unlikely with crypto-random ids, but cheap to guard) doesn't inherit a
// stale owner.
func (d *Directory) DeleteOwner(ctx context.Context, sessionID string) error {
	if _, err := d.backend.Delete(ctx, ownerKey(sessionID)); err != nil {
		return fmt.Errorf("sessiondir: delete owner for session %s: %w", sessionID, err)
	}
	return nil
}
