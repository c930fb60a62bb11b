package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mcp-relay/internal/audit"
	"mcp-relay/internal/bootstrap"
	"mcp-relay/internal/httpapi"
	"mcp-relay/internal/metrics"
	"mcp-relay/internal/oauthhttp"
	"mcp-relay/internal/store"
)

// newMux wires every endpoint named in spec §6: the OAuth authorization
// server surface, the two MCP transports, and the operational endpoints
// (healthz, metrics, the live audit feed) added for this deployment.
func newMux(oh *oauthhttp.Handler, mh *httpapi.Handler, backend store.Store, degraded *bootstrap.DegradedFlag, coll *metrics.Collector, auditLog *audit.Log, startedAt time.Time) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", oh.HandleRegister)
	mux.HandleFunc("/authorize", oh.HandleAuthorize)
	mux.HandleFunc("POST /token", oh.HandleToken)
	mux.HandleFunc("POST /introspect", oh.HandleIntrospect)
	mux.HandleFunc("POST /revoke", oh.HandleRevoke)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", oh.HandleAuthorizationServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", oh.HandleProtectedResourceMetadata)

	mux.HandleFunc("/mcp", mh.HandleStreamableHTTP)
	mux.HandleFunc("GET /sse", mh.HandleSSE)
	mux.HandleFunc("POST /message", mh.HandleMessage)
	mux.HandleFunc("GET /sse/ws", mh.HandleSSEWebSocket)

	mux.HandleFunc("GET /healthz", healthzHandler(backend, degraded, startedAt))
	mux.HandleFunc("GET /metrics", metricsHandler(coll))
	if auditLog != nil {
		mux.HandleFunc("GET /admin/events", auditEventsHandler(auditLog))
	}

	return mux
}

// auditEventsHandler streams audit.Log's live event hub as Server-Sent
// Events: client registrations, grants, token exchanges (including rejected
// replays), refresh rotations, revocations, and session create/destroy, as
// they happen rather than on the audit database's own poll/flush cycle.
func auditEventsHandler(auditLog *audit.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		id, events := auditLog.EventHub().Subscribe()
		defer auditLog.EventHub().Unsubscribe(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(payload)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Degraded      bool   `json:"degraded"`
	StoreOK       bool   `json:"store_ok"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// healthzHandler reports process liveness/readiness: shared-store
// connectivity and whether C10's degraded-mode flag is set.
func healthzHandler(backend store.Store, degraded *bootstrap.DegradedFlag, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		storeOK := true
		if _, err := backend.Get(ctx, "healthz:probe"); err != nil && err != store.ErrNotFound {
			storeOK = false
		}

		resp := healthResponse{
			Status:        "ok",
			StoreOK:       storeOK,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		}
		if degraded != nil && degraded.IsDegraded() {
			resp.Degraded = true
			resp.Status = "degraded"
		}
		if !storeOK {
			resp.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func metricsHandler(coll *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(coll.PrometheusFormat()))
	}
}
