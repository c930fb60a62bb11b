package oauthhttp

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mcp-relay/internal/authrecords"
	"mcp-relay/internal/oauth"
	"mcp-relay/internal/store"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &Handler{
		Server:  oauth.NewServer(authrecords.New(store.NewRedisStoreFromClient(rdb))),
		BaseURI: "https://mcp.example.com",
		AuthenticateUser: func(username, password string) (string, bool) {
			if username == "alice" && password == "secret" {
				return "user-alice", true
			}
			return "", false
		},
	}
}

func registerTestClient(t *testing.T, h *Handler) map[string]any {
	t.Helper()
	body := strings.NewReader(`{"client_name":"test-app","redirect_uris":["https://example.com/cb"]}`)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	rr := httptest.NewRecorder()
	h.HandleRegister(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp
}

func TestHandleRegister(t *testing.T) {
	h := newTestHandler(t)
	resp := registerTestClient(t, h)
	if resp["client_id"] == "" || resp["client_secret"] == "" {
		t.Fatalf("expected client credentials, got %+v", resp)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rr := httptest.NewRecorder()
	h.HandleAuthorizationServerMetadata(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var meta map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta["issuer"] != "https://mcp.example.com" {
		t.Fatalf("unexpected issuer: %v", meta["issuer"])
	}

	req2 := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rr2 := httptest.NewRecorder()
	h.HandleProtectedResourceMetadata(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr2.Code)
	}
}

func pkceChallenge() (verifier, challenge string) {
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}

func TestAuthorizeGetShowsConsentForValidRequest(t *testing.T) {
	h := newTestHandler(t)
	client := registerTestClient(t, h)
	_, challenge := pkceChallenge()

	q := url.Values{}
	q.Set("client_id", client["client_id"].(string))
	q.Set("redirect_uri", "https://example.com/cb")
	q.Set("response_type", "code")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	h.HandleAuthorize(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "test-app") {
		t.Fatal("expected consent page to mention the client name")
	}
}

func TestAuthorizePostGrantsAndTokenExchangeSucceeds(t *testing.T) {
	h := newTestHandler(t)
	client := registerTestClient(t, h)
	verifier, challenge := pkceChallenge()
	clientID := client["client_id"].(string)
	clientSecret := client["client_secret"].(string)

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("redirect_uri", "https://example.com/cb")
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")
	form.Set("username", "alice")
	form.Set("password", "secret")
	form.Set("action", "authorize")

	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.HandleAuthorize(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d: %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("expected authorization code in redirect")
	}

	tokenForm := url.Values{}
	tokenForm.Set("grant_type", "authorization_code")
	tokenForm.Set("code", code)
	tokenForm.Set("client_id", clientID)
	tokenForm.Set("client_secret", clientSecret)
	tokenForm.Set("redirect_uri", "https://example.com/cb")
	tokenForm.Set("code_verifier", verifier)

	tokenReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tokenForm.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRR := httptest.NewRecorder()
	h.HandleToken(tokenRR, tokenReq)
	if tokenRR.Code != http.StatusOK {
		t.Fatalf("token exchange failed: %d: %s", tokenRR.Code, tokenRR.Body.String())
	}

	var tokenResp map[string]any
	if err := json.Unmarshal(tokenRR.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	accessToken, _ := tokenResp["access_token"].(string)
	if accessToken == "" {
		t.Fatal("expected access_token in response")
	}
	if tokenResp["token_type"] != "Bearer" {
		t.Fatalf("expected token_type Bearer, got %+v", tokenResp)
	}
	if expiresIn, ok := tokenResp["expires_in"].(float64); !ok || expiresIn <= 0 {
		t.Fatalf("expected a positive expires_in, got %+v", tokenResp)
	}

	introspectForm := url.Values{}
	introspectForm.Set("token", accessToken)
	introspectReq := httptest.NewRequest(http.MethodPost, "/introspect", strings.NewReader(introspectForm.Encode()))
	introspectReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	introspectRR := httptest.NewRecorder()
	h.HandleIntrospect(introspectRR, introspectReq)
	var introspectResp map[string]any
	if err := json.Unmarshal(introspectRR.Body.Bytes(), &introspectResp); err != nil {
		t.Fatalf("decode introspect response: %v", err)
	}
	if introspectResp["active"] != true {
		t.Fatalf("expected active token, got %+v", introspectResp)
	}
	if introspectResp["token_type"] != "Bearer" {
		t.Fatalf("expected introspect token_type Bearer, got %+v", introspectResp)
	}
	if _, ok := introspectResp["exp"].(float64); !ok {
		t.Fatalf("expected introspect exp claim, got %+v", introspectResp)
	}
	if _, ok := introspectResp["iat"].(float64); !ok {
		t.Fatalf("expected introspect iat claim, got %+v", introspectResp)
	}
}

func TestAuthorizePostDenyRedirectsWithError(t *testing.T) {
	h := newTestHandler(t)
	client := registerTestClient(t, h)
	_, challenge := pkceChallenge()

	form := url.Values{}
	form.Set("client_id", client["client_id"].(string))
	form.Set("redirect_uri", "https://example.com/cb")
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")
	form.Set("action", "deny")

	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.HandleAuthorize(rr, req)
	if rr.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if loc.Query().Get("error") != "access_denied" {
		t.Fatalf("expected access_denied error, got %v", loc.Query())
	}
}
