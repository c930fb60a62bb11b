package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"mcp-relay/internal/sessiondir"
)

// HandleSSE serves the legacy GET /sse transport (spec §4.9). It predates
// the request-id-addressed Streamable-HTTP relay and uses a single
// bidirectional channel per session rather than one channel per in-flight
// request. Per the design note resolving spec §9's open question, ownership
// is enforced here too (not just bearer auth), by holding the same
// session-control subscription ServerTransport holds so sessiondir's
// liveness check sees this session as live.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
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

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	if err := h.Directory.SetOwner(r.Context(), sessionID, userID); err != nil {
		h.logger().Error("httpapi: set sse session owner failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ctrlSub, err := h.Backend.Subscribe(r.Context(), sessiondir.SessionControl(sessionID), func(payload []byte) {
		var msg sessiondir.ControlMessage
		if json.Unmarshal(payload, &msg) == nil && msg.Type == "shutdown" {
			// Liveness subscription doubling as the shutdown signal; the
			// connection-close path below tears the stream down.
		}
	}, func(error) {})
	if err != nil {
		h.logger().Error("httpapi: sse control subscribe failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer ctrlSub.Close()
	defer func() {
		_ = h.Directory.DeleteOwner(r.Context(), sessionID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("/message?sessionId=%s", sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	chanSub, err := h.Backend.Subscribe(r.Context(), sessiondir.SessionChannel(sessionID), func(payload []byte) {
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
		flusher.Flush()
	}, func(error) {})
	if err != nil {
		h.logger().Error("httpapi: sse channel subscribe failed", "session_id", sessionID, "error", err)
		return
	}
	defer chanSub.Close()

	h.audit(r.Context(), "session.created", userID)
	h.auditSession(r, sessionID, "session.created")
	h.recordSessionCreated()
	h.recordRequest("sse", true)
	<-r.Context().Done()
	h.audit(r.Context(), "session.deleted", userID)
	h.auditSession(r, sessionID, "session.deleted")
	h.recordSessionClosed()
}

// HandleMessage serves POST /message?sessionId=… (spec §4.9).
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
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

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	owned, err := h.Directory.IsOwnedBy(r.Context(), sessionID, userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !owned {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.Backend.Publish(r.Context(), sessiondir.SessionChannel(sessionID), body); err != nil {
		h.logger().Error("httpapi: publish to session channel failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
