package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mcp-relay/internal/mcp"
	"mcp-relay/internal/sessiondir"
	"mcp-relay/internal/store"
	"mcp-relay/internal/tokenvalidator"
)

type stubValidator struct{ subject string }

func (v stubValidator) Validate(ctx context.Context, token string) (tokenvalidator.Claims, error) {
	if token != "good-token" {
		return tokenvalidator.Claims{Active: false}, nil
	}
	return tokenvalidator.Claims{Active: true, Subject: v.subject, ClientID: "client-1"}, nil
}

type stubCatalog struct{}

func (stubCatalog) Tools() []mcp.ToolDef { return []mcp.ToolDef{{Name: "echo"}} }

func (stubCatalog) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return args["text"], nil
}

func (stubCatalog) ListResources(cursor string) ([]mcp.ResourceDef, string) {
	return nil, ""
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	backend := store.NewRedisStoreFromClient(rdb)

	return &Handler{
		Backend:    backend,
		Directory:  sessiondir.New(backend),
		Validator:  stubValidator{subject: "user-1"},
		Catalog:    stubCatalog{},
		ServerName: "test-relay",
		Version:    "0.0.1",
	}
}

func initializeSession(t *testing.T, h *Handler) string {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	rr := httptest.NewRecorder()
	h.HandleStreamableHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize failed: %d: %s", rr.Code, rr.Body.String())
	}
	sessionID := rr.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("expected Mcp-Session-Id header on initialize response")
	}
	return sessionID
}

func TestStreamableHTTPMissingTokenIs401(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	h.HandleStreamableHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestStreamableHTTPInitializeCreatesSession(t *testing.T) {
	h := newTestHandler(t)
	sessionID := initializeSession(t, h)

	owned, err := h.Directory.IsOwnedBy(context.Background(), sessionID, "user-1")
	if err != nil {
		t.Fatalf("is owned by: %v", err)
	}
	if !owned {
		t.Fatal("expected new session to be owned by the initializing user")
	}
}

func TestStreamableHTTPFollowUpRequestIsRelayed(t *testing.T) {
	h := newTestHandler(t)
	sessionID := initializeSession(t, h)

	body := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr := httptest.NewRecorder()
	h.HandleStreamableHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d: %s", rr.Code, rr.Body.String())
	}
	var resp mcp.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestStreamableHTTPWrongOwnerIsUnauthorized(t *testing.T) {
	h := newTestHandler(t)
	sessionID := initializeSession(t, h)

	otherHandler := *h
	otherHandler.Validator = stubValidator{subject: "user-2"}

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr := httptest.NewRecorder()
	otherHandler.HandleStreamableHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a different user's session, got %d", rr.Code)
	}
}

func TestStreamableHTTPDeleteShutsDownSession(t *testing.T) {
	h := newTestHandler(t)
	sessionID := initializeSession(t, h)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Mcp-Session-Id", sessionID)
	rr := httptest.NewRecorder()
	h.HandleStreamableHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	deadline := time.Now().Add(time.Second)
	for {
		owned, err := h.Directory.IsOwnedBy(context.Background(), sessionID, "user-1")
		if err != nil {
			t.Fatalf("is owned by: %v", err)
		}
		if !owned {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session teardown after delete")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleMessageRequiresOwnership(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/message?sessionId=nonexistent", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer good-token")
	rr := httptest.NewRecorder()
	h.HandleMessage(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unowned session, got %d", rr.Code)
	}
}
