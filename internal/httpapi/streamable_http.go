package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"mcp-relay/internal/mcp"
)

// HandleStreamableHTTP serves POST, GET, and DELETE on /mcp (spec §4.8).
func (h *Handler) HandleStreamableHTTP(w http.ResponseWriter, r *http.Request) {
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

	switch r.Method {
	case http.MethodPost:
		h.handleMCPPost(w, r, userID)
	case http.MethodGet:
		h.handleMCPGet(w, r, userID)
	case http.MethodDelete:
		h.handleMCPDelete(w, r, userID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
	h.recordRequest("streamable-http", true)
}

func (h *Handler) handleMCPPost(w http.ResponseWriter, r *http.Request, userID string) {
	if !validateProtocolHeader(r.Header) {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var frame mcp.Request
	if err := json.Unmarshal(body, &frame); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")

	switch {
	case sessionID != "":
		h.relayToExistingSession(w, r, sessionID, userID, body, &frame)
	case sessionID == "" && frame.Method == "initialize":
		h.startNewSession(w, r, userID, body)
	default:
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
	}
}

// relayToExistingSession implements spec §4.8 step 2: a single ownership
// check covers both "no such session" and "belongs to someone else",
// answering both with 401 so neither can be distinguished by a prober.
func (h *Handler) relayToExistingSession(w http.ResponseWriter, r *http.Request, sessionID, userID string, body []byte, frame *mcp.Request) {
	owned, err := h.Directory.IsOwnedBy(r.Context(), sessionID, userID)
	if err != nil {
		h.logger().Error("httpapi: ownership check failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !owned {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	relay := mcp.NewRelayTransport(sessionID, h.Backend)
	if frame.IsNotification() {
		if err := relay.SendNotification(r.Context(), body); err != nil {
			h.logger().Error("httpapi: send notification failed", "session_id", sessionID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		} else {
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}

	reply, err := relay.SendRequest(r.Context(), body)
	if err != nil {
		h.logger().Error("httpapi: relay request failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

// startNewSession implements spec §4.8 step 3: generate a session id,
// construct the MCP handler and its ServerTransport on this replica,
// record ownership, and answer the initialize call with the new session id.
func (h *Handler) startNewSession(w http.ResponseWriter, r *http.Request, userID string, body []byte) {
	sessionID := uuid.NewString()

	protocolHandler := mcp.NewHandler(h.Catalog, h.ServerName, h.Version)
	serverTransport, err := mcp.NewServerTransport(r.Context(), sessionID, protocolHandler, h.Backend, h.Directory, h.logger())
	if err != nil {
		h.logger().Error("httpapi: construct server transport failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.Directory.SetOwner(r.Context(), sessionID, userID); err != nil {
		_ = serverTransport.Close()
		h.logger().Error("httpapi: set session owner failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	relay := mcp.NewRelayTransport(sessionID, h.Backend)
	reply, err := relay.SendRequest(r.Context(), body)
	if err != nil {
		h.logger().Error("httpapi: initialize relay failed", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.audit(r.Context(), "session.created", userID)
	h.auditSession(r, sessionID, "session.created")
	h.recordSessionCreated()
	w.Header().Set("Mcp-Session-Id", sessionID)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(reply)
}

func (h *Handler) handleMCPGet(w http.ResponseWriter, r *http.Request, userID string) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	relay := mcp.NewRelayTransport(sessionID, h.Backend)
	sub, err := relay.StreamNotifications(r.Context(), func(frame json.RawMessage) {
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
		flusher.Flush()
	}, func(error) {})
	if err != nil {
		h.logger().Error("httpapi: stream subscribe failed", "session_id", sessionID, "error", err)
		return
	}
	defer sub.Close()

	<-r.Context().Done()
}

func (h *Handler) handleMCPDelete(w http.ResponseWriter, r *http.Request, userID string) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing Mcp-Session-Id header", http.StatusBadRequest)
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
	if err := h.Directory.Shutdown(r.Context(), sessionID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.audit(r.Context(), "session.deleted", userID)
	h.auditSession(r, sessionID, "session.deleted")
	h.recordSessionClosed()
	w.WriteHeader(http.StatusOK)
}
