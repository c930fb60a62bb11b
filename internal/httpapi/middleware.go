// Package httpapi implements the HTTP-facing transports named in spec
// §4.8-§4.9: the Streamable-HTTP /mcp endpoint and the legacy /sse +
// /message pair. Both sit behind the same token-validation and rate-limit
// middleware, ported from the authorization server's HTTP surface
// (internal/oauthhttp) since both are resource-server endpoints guarding
// the same shared store.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mcp-relay/internal/audit"
	"mcp-relay/internal/bootstrap"
	"mcp-relay/internal/mcp"
	"mcp-relay/internal/metrics"
	"mcp-relay/internal/ratelimit"
	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/store"
	"mcp-relay/internal/tokenvalidator"
)

const maxBodySize = 10 << 20 // 10MB, matching the teacher's streamable handler.

// Handler serves both the Streamable-HTTP and legacy SSE transports. It
// holds no per-session state itself: session ownership lives in
// sessiondir.Directory and session frames move through Backend, so any
// Handler instance on any replica can serve any request.
type Handler struct {
	Backend   store.Store
	Directory *sessiondir.Directory
	Validator tokenvalidator.Validator
	Limiters  *ratelimit.Registry
	Audit     *audit.Log
	Metrics   *metrics.Collector
	Degraded  *bootstrap.DegradedFlag
	Logger    *slog.Logger

	// AuditKey, if set, encrypts the client address recorded on session
	// lifecycle events before they reach the audit database.
	AuditKey []byte

	Catalog    mcp.Catalog
	ServerName string
	Version    string
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	return h.waitLimiter(w, r, clientIP(r))
}

// rateLimitedForUser applies a second quota keyed by the authenticated user
// id rather than caller IP, so a client behind a shared or rotating IP (a
// proxy, a pool of relay instances) is still subject to its own per-user
// budget once authenticate has resolved who it is.
func (h *Handler) rateLimitedForUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if userID == "" {
		return false
	}
	return h.waitLimiter(w, r, "user:"+userID)
}

func (h *Handler) waitLimiter(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.Limiters == nil {
		return false
	}
	if err := h.Limiters.Wait(r.Context(), key); err != nil {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return true
	}
	return false
}

// authenticate validates the request's bearer token via Validator. On
// success it returns the subject's user id. On failure it writes the
// response itself (401, or 503 + a JSON-RPC -32000 body when the
// delegated-mode circuit breaker has tripped) and returns ok=false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (userID string, ok bool) {
	if h.Degraded != nil && h.Degraded.IsDegraded() {
		writeDegraded(w)
		return "", false
	}

	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return "", false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	claims, err := h.Validator.Validate(ctx, token)
	h.recordIntrospection(time.Since(start))
	if err == tokenvalidator.ErrDegraded {
		if h.Metrics != nil {
			h.Metrics.RecordBreakerTrip()
		}
		writeDegraded(w)
		return "", false
	}
	if err != nil || !claims.Active || claims.Subject == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return "", false
	}
	return claims.Subject, true
}

func (h *Handler) recordIntrospection(d time.Duration) {
	if h.Metrics != nil {
		h.Metrics.RecordIntrospection(d)
	}
}

// recordRequest records one inbound request outcome on the named transport.
func (h *Handler) recordRequest(transport string, success bool) {
	if h.Metrics != nil {
		h.Metrics.RecordRequest(transport, success)
	}
}

func (h *Handler) recordSessionCreated() {
	if h.Metrics != nil {
		h.Metrics.RecordSessionCreated()
	}
}

func (h *Handler) recordSessionClosed() {
	if h.Metrics != nil {
		h.Metrics.RecordSessionClosed()
	}
}

// writeDegraded answers a request with the process-wide degraded-mode
// response (spec C10): 503 plus a JSON-RPC-shaped error body so clients
// that only understand the MCP wire format still get a parseable error.
func writeDegraded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"server degraded: introspection unavailable"}}`))
}

func validateProtocolHeader(header http.Header) bool {
	version := strings.TrimSpace(header.Get("Mcp-Protocol-Version"))
	if version == "" {
		return true
	}
	switch version {
	case "2025-03-26", "2025-06-18", "2025-11-25":
		return true
	default:
		return false
	}
}

func (h *Handler) audit(ctx context.Context, eventType, userID string) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(ctx, eventType, "", userID)
}

// auditSession records a session lifecycle event with the requesting
// client's address as Detail, encrypted under AuditKey when one is
// configured (A7 + the teacher's encrypted-storage convention).
func (h *Handler) auditSession(r *http.Request, sessionID, eventType string) {
	if h.Audit == nil {
		return
	}
	detail := clientIP(r)
	if len(h.AuditKey) > 0 {
		if encrypted, err := audit.EncryptDetail(h.AuditKey, detail); err == nil {
			detail = encrypted
		} else {
			h.logger().Error("httpapi: encrypt audit detail failed", "error", err)
			detail = ""
		}
	}
	h.Audit.RecordSession(sessionID, eventType, detail)
}
