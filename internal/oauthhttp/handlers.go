// Package oauthhttp wires internal/oauth's authorization-server logic to the
// HTTP endpoints named in spec §6: dynamic client registration, the
// authorize/consent flow, token exchange, metadata discovery, introspection,
// and revocation.
package oauthhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mcp-relay/internal/audit"
	"mcp-relay/internal/oauth"
	"mcp-relay/internal/ratelimit"
	"mcp-relay/internal/redact"
)

const maxBodySize = 1 << 20 // 1MB body size limit, matching other API endpoints.

// limitBody applies a request body size limit to prevent abuse.
func limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]any{
		"error":             errCode,
		"error_description": description,
	})
}

// Handler serves the OAuth authorization server's HTTP surface.
type Handler struct {
	Server   *oauth.Server
	Audit    *audit.Log
	BaseURI  string // e.g. "https://mcp.example.com"
	Limiters *ratelimit.Registry

	// Redactor, if set, scrubs registered secrets from log lines before
	// they reach slog. Each client secret is added the moment it's issued,
	// and each access/refresh token pair the moment /token mints it, so the
	// redaction set grows with every registration and every token grant.
	Redactor *redact.Redactor

	// AuthenticateUser validates end-user credentials presented on the
	// consent form and returns an opaque user id to bind the grant to.
	AuthenticateUser func(username, password string) (userID string, ok bool)
}

// logError logs an error-level message, redacting any registered secrets
// that might have leaked into an argument (e.g. a client secret echoed back
// by a storage error).
func (h *Handler) logError(msg string, args ...any) {
	if h.Redactor != nil {
		for i, a := range args {
			if s, ok := a.(string); ok {
				args[i] = h.Redactor.Redact(s)
			}
		}
	}
	slog.Error(msg, args...)
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

// rateLimitedForClient applies a second, per-OAuth-client quota on top of the
// per-IP one, keyed by client_id rather than caller IP. Credential-guessing
// against one client's secret (§4.3's token/consent endpoints) would otherwise
// only be slowed down by rotating the source IP; client_id can't be rotated
// without a fresh registration.
func (h *Handler) rateLimitedForClient(w http.ResponseWriter, r *http.Request, clientID string) bool {
	if clientID == "" {
		return false
	}
	return h.waitLimiter(w, r, "client:"+clientID)
}

func (h *Handler) waitLimiter(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.Limiters == nil {
		return false
	}
	if err := h.Limiters.Wait(r.Context(), key); err != nil {
		var rl *ratelimit.ErrRateLimited
		if errors.As(err, &rl) {
			writeOAuthError(w, http.StatusTooManyRequests, "rate_limited", rl.Error())
			return true
		}
		writeOAuthError(w, http.StatusServiceUnavailable, "server_error", "request cancelled")
		return true
	}
	return false
}

// HandleProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
// GET /.well-known/oauth-protected-resource
func (h *Handler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              h.BaseURI,
		"authorization_servers": []string{h.BaseURI},
	})
}

// HandleAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata.
// GET /.well-known/oauth-authorization-server
func (h *Handler) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                h.BaseURI,
		"authorization_endpoint":                h.BaseURI + "/authorize",
		"token_endpoint":                        h.BaseURI + "/token",
		"registration_endpoint":                 h.BaseURI + "/register",
		"introspection_endpoint":                h.BaseURI + "/introspect",
		"revocation_endpoint":                   h.BaseURI + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
	})
}

// HandleRegister implements RFC 7591 dynamic client registration.
// POST /register
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rateLimited(w, r) {
		return
	}
	limitBody(w, r)

	var req struct {
		ClientName   string   `json:"client_name"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris required")
		return
	}

	client, err := h.Server.RegisterClient(r.Context(), req.ClientName, req.RedirectURIs)
	if err != nil {
		h.logError("client registration failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "registration failed")
		return
	}
	if h.Redactor != nil {
		h.Redactor.AddSecret(redact.ClientSecret, client.ClientSecret)
	}
	h.audit(r, "client.registered", client.ClientID, "")

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ClientID,
		"client_secret":              client.ClientSecret,
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "client_secret_post",
	})
}

// HandleAuthorize handles both GET (show consent) and POST (submit consent).
// GET/POST /authorize
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleAuthorizeGet(w, r)
	case http.MethodPost:
		h.handleAuthorizePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	scope := q.Get("scope")
	state := q.Get("state")

	if responseType != "code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "only 'code' is supported")
		return
	}
	if clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id required")
		return
	}
	client, err := h.Server.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !oauth.ValidateRedirectURI(client, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri not registered for client")
		return
	}
	if codeChallenge == "" || codeChallengeMethod != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "PKCE S256 code_challenge required")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(renderConsentPage(client.ClientName, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, state)))
}

func (h *Handler) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	codeChallenge := r.FormValue("code_challenge")
	codeChallengeMethod := r.FormValue("code_challenge_method")
	scope := r.FormValue("scope")
	state := r.FormValue("state")

	username := strings.TrimSpace(r.FormValue("username"))
	password := strings.TrimSpace(r.FormValue("password"))
	action := r.FormValue("action")

	if h.rateLimitedForClient(w, r, clientID) {
		return
	}

	if action == "deny" {
		redirectWithError(w, r, redirectURI, state, "access_denied", "user denied the request")
		return
	}

	client, err := h.Server.GetClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !oauth.ValidateRedirectURI(client, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri not registered for client")
		return
	}

	if username == "" || password == "" || h.AuthenticateUser == nil {
		h.writeConsentError(w, client.ClientName, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, state, "Username and password are required.")
		return
	}
	userID, ok := h.AuthenticateUser(username, password)
	if !ok {
		h.writeConsentError(w, client.ClientName, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, state, "Invalid username or password.")
		return
	}

	code, err := h.Server.CreateAuthorization(r.Context(), clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, userID)
	if err != nil {
		h.logError("create authorization failed", "error", err)
		redirectWithError(w, r, redirectURI, state, "server_error", "failed to create authorization")
		return
	}
	h.audit(r, "authorization.granted", clientID, userID)

	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *Handler) writeConsentError(w http.ResponseWriter, clientName, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, state, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(renderConsentPageWithError(clientName, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, state, msg)))
}

// HandleToken exchanges an authorization code or refresh token for an access token.
// POST /token
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rateLimited(w, r) {
		return
	}
	limitBody(w, r)

	contentType := r.Header.Get("Content-Type")
	var req struct {
		GrantType    string `json:"grant_type"`
		Code         string `json:"code"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		CodeVerifier string `json:"code_verifier"`
		RedirectURI  string `json:"redirect_uri"`
		RefreshToken string `json:"refresh_token"`
	}
	if strings.Contains(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
			return
		}
		req.GrantType = r.FormValue("grant_type")
		req.Code = r.FormValue("code")
		req.ClientID = r.FormValue("client_id")
		req.ClientSecret = r.FormValue("client_secret")
		req.CodeVerifier = r.FormValue("code_verifier")
		req.RedirectURI = r.FormValue("redirect_uri")
		req.RefreshToken = r.FormValue("refresh_token")
	}

	if h.rateLimitedForClient(w, r, req.ClientID) {
		return
	}

	switch req.GrantType {
	case "authorization_code":
		if _, err := h.Server.ValidateClientSecret(r.Context(), req.ClientID, req.ClientSecret); err != nil {
			writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "invalid client credentials")
			return
		}
		access, refresh, expiresIn, err := h.Server.ExchangeCode(r.Context(), req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
		if err != nil {
			h.audit(r, "token.exchange.rejected", req.ClientID, "")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		if h.Redactor != nil {
			h.Redactor.AddSecret(redact.AccessToken, access)
			h.Redactor.AddSecret(redact.RefreshToken, refresh)
		}
		h.audit(r, "token.exchange.succeeded", req.ClientID, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
		})

	case "refresh_token":
		access, refresh, expiresIn, err := h.Server.RefreshAccessToken(r.Context(), req.RefreshToken, req.ClientID, req.ClientSecret)
		if err != nil {
			if errors.Is(err, oauth.ErrInvalidClient) {
				writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "invalid client credentials")
				return
			}
			h.audit(r, "token.refresh.rejected", req.ClientID, "")
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		if h.Redactor != nil {
			h.Redactor.AddSecret(redact.AccessToken, access)
			h.Redactor.AddSecret(redact.RefreshToken, refresh)
		}
		h.audit(r, "token.refresh.succeeded", req.ClientID, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
		})

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
	}
}

// HandleIntrospect implements RFC 7662 token introspection.
// POST /introspect
func (h *Handler) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limitBody(w, r)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}

	installation, active, err := h.Server.Introspect(r.Context(), token)
	if err != nil {
		h.logError("introspection failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "introspection failed")
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"client_id":  installation.ClientID,
		"sub":        installation.UserID,
		"scope":      installation.Scope,
		"token_type": "Bearer",
		"iat":        installation.IssuedAt.Unix(),
		"exp":        installation.ExpiresAt.Unix(),
	})
}

// HandleRevoke implements RFC 7009 token revocation.
// POST /revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limitBody(w, r)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}
	if err := h.Server.Revoke(r.Context(), token); err != nil {
		h.logError("revocation failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "revocation failed")
		return
	}
	h.audit(r, "token.revoked", "", "")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) audit(r *http.Request, event, clientID, userID string) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(r.Context(), event, clientID, userID)
}

func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, errDesc string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDesc)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
