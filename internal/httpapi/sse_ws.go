package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mcp-relay/internal/sessiondir"
)

var sseUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSSEWebSocket serves GET /sse/ws: a WebSocket tunnel carrying the
// same bidirectional session-channel frames as the legacy SSE transport.
// It exists for clients sitting behind a proxy that buffers or kills
// long-lived SSE responses but allows WebSocket upgrades, adapted from the
// teacher's gateway WebSocket bridge (internal/gateway, cmd/skyline
// gateway.go) onto session-channel semantics instead of gateway RPC.
func (h *Handler) HandleSSEWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r) {
		return
	}
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if h.rateLimitedForUser(w, r, userID) {
		return
	}

	conn, err := sseUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Error("httpapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	if err := h.Directory.SetOwner(r.Context(), sessionID, userID); err != nil {
		h.logger().Error("httpapi: set ws session owner failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() {
		_ = h.Directory.DeleteOwner(r.Context(), sessionID)
	}()

	ctrlSub, err := h.Backend.Subscribe(r.Context(), sessiondir.SessionControl(sessionID), func([]byte) {}, func(error) {})
	if err != nil {
		h.logger().Error("httpapi: ws control subscribe failed", "session_id", sessionID, "error", err)
		return
	}
	defer ctrlSub.Close()

	chanSub, err := h.Backend.Subscribe(r.Context(), sessiondir.SessionChannel(sessionID), func(payload []byte) {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}, func(error) {})
	if err != nil {
		h.logger().Error("httpapi: ws channel subscribe failed", "session_id", sessionID, "error", err)
		return
	}
	defer chanSub.Close()

	if err := conn.WriteJSON(map[string]string{"sessionId": sessionID}); err != nil {
		return
	}

	h.audit(r.Context(), "session.created", userID)
	h.auditSession(r, sessionID, "session.created")
	h.recordSessionCreated()
	h.recordRequest("sse-ws", true)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var probe json.RawMessage
		if json.Unmarshal(payload, &probe) != nil {
			continue
		}
		if err := h.Backend.Publish(r.Context(), sessiondir.SessionChannel(sessionID), payload); err != nil {
			h.logger().Error("httpapi: ws publish failed", "session_id", sessionID, "error", err)
			break
		}
	}

	h.audit(r.Context(), "session.deleted", userID)
	h.auditSession(r, sessionID, "session.deleted")
	h.recordSessionClosed()
}
