package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcp-relay/internal/authrecords"
	"mcp-relay/internal/store"
)

var (
	// ErrInvalidClient covers unknown client ids and secret mismatches.
	ErrInvalidClient = errors.New("oauth: invalid client credentials")
	// ErrInvalidRedirectURI names a redirect_uri that isn't registered for the
	// client. Nothing in this package returns it; ValidateRedirectURI reports
	// the same condition as a bool.
	ErrInvalidRedirectURI = errors.New("oauth: redirect_uri not registered for client")
	// ErrInvalidGrant covers expired/missing/already-used codes and bad PKCE verifiers.
	ErrInvalidGrant = errors.New("oauth: invalid grant")
	// ErrInvalidToken names an unknown or revoked token. Introspect reports
	// such a token as inactive (false, nil error) instead, and Revoke returns
	// nil for it.
	ErrInvalidToken = errors.New("oauth: invalid token")
)

// Server implements the OAuth 2.1 + PKCE authorization server described in
// spec §4.3. It holds no server-local state: every record lives in the
// shared store via internal/authrecords, so any replica can service any
// request in the grant's lifecycle.
type Server struct {
	records *authrecords.Store
}

// NewServer builds a Server backed by records.
func NewServer(records *authrecords.Store) *Server {
	return &Server{records: records}
}

// RegisterClient implements RFC 7591 dynamic client registration.
func (s *Server) RegisterClient(ctx context.Context, name string, redirectURIs []string) (authrecords.ClientRegistration, error) {
	secret, err := generateRandomString(32)
	if err != nil {
		return authrecords.ClientRegistration{}, fmt.Errorf("oauth: generate client secret: %w", err)
	}
	now := time.Now().UTC()
	client := authrecords.ClientRegistration{
		ClientID:     newClientID(),
		ClientSecret: secret,
		RedirectURIs: redirectURIs,
		ClientName:   name,
		IssuedAt:     now,
		UpdatedAt:    now,
	}
	if err := authrecords.Put(ctx, s.records, authrecords.ClientRecord, client.ClientID, client, store.SetOptions{}); err != nil {
		return authrecords.ClientRegistration{}, err
	}
	return client, nil
}

// GetClient looks up a registered client by id.
func (s *Server) GetClient(ctx context.Context, clientID string) (authrecords.ClientRegistration, error) {
	return authrecords.Get[authrecords.ClientRegistration](ctx, s.records, authrecords.ClientRecord, clientID)
}

// ValidateClientSecret returns the client iff clientID/clientSecret match a
// live registration.
func (s *Server) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (authrecords.ClientRegistration, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return authrecords.ClientRegistration{}, ErrInvalidClient
		}
		return authrecords.ClientRegistration{}, err
	}
	if client.ClientSecret != clientSecret {
		return authrecords.ClientRegistration{}, ErrInvalidClient
	}
	return client, nil
}

// ValidateRedirectURI reports whether uri is registered for client.
func ValidateRedirectURI(client authrecords.ClientRegistration, uri string) bool {
	for _, allowed := range client.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// CreateAuthorization records a pending authorization-code grant and returns
// the opaque code the client redirects back with.
func (s *Server) CreateAuthorization(ctx context.Context, clientID, redirectURI, codeChallenge, codeChallengeMethod, scope, userID string) (code string, err error) {
	code, err = generateRandomString(32)
	if err != nil {
		return "", fmt.Errorf("oauth: generate authorization code: %w", err)
	}
	pending := authrecords.PendingAuthorization{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scope:               scope,
		UserID:              userID,
		IssuedAt:            time.Now().UTC(),
	}
	if err := authrecords.Put(ctx, s.records, authrecords.PendingRecord, code, pending, store.SetOptions{}); err != nil {
		return "", err
	}
	return code, nil
}

// ExchangeCode implements the authorization_code grant (spec §4.3, §8 P2):
// it claims the code's one-shot replay guard first, so a concurrently
// replayed code is rejected even if both requests otherwise validate, then
// validates the grant and mints a fresh access/refresh token pair.
func (s *Server) ExchangeCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (accessToken, refreshToken string, expiresIn int64, err error) {
	won, err := authrecords.CompareAndSetUsed(ctx, s.records, code, authrecords.PendingRecord.TTL())
	if err != nil {
		return "", "", 0, err
	}
	if !won {
		s.revokeReplayedExchange(ctx, code)
		return "", "", 0, fmt.Errorf("%w: authorization code already used", ErrInvalidGrant)
	}

	pending, err := authrecords.GetAndDelete[authrecords.PendingAuthorization](ctx, s.records, authrecords.PendingRecord, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", 0, fmt.Errorf("%w: unknown or expired authorization code", ErrInvalidGrant)
		}
		return "", "", 0, err
	}
	if pending.ClientID != clientID {
		return "", "", 0, fmt.Errorf("%w: client_id mismatch", ErrInvalidGrant)
	}
	if pending.RedirectURI != redirectURI {
		return "", "", 0, fmt.Errorf("%w: redirect_uri mismatch", ErrInvalidGrant)
	}
	if !VerifyPKCE(codeVerifier, pending.CodeChallenge, pending.CodeChallengeMethod) {
		return "", "", 0, fmt.Errorf("%w: PKCE verification failed", ErrInvalidGrant)
	}

	accessToken, refreshToken, expiresIn, err = s.issueTokenPair(ctx, clientID, pending.UserID, pending.Scope)
	if err != nil {
		return "", "", 0, err
	}

	exch := authrecords.TokenExchange{
		ClientID:     clientID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AlreadyUsed:  true,
		IssuedAt:     time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := authrecords.Put(ctx, s.records, authrecords.ExchangeRecord, code, exch, store.SetOptions{}); err != nil {
		return "", "", 0, err
	}
	return accessToken, refreshToken, expiresIn, nil
}

// revokeReplayedExchange finds the installation the winning exchange of code
// minted and revokes it, per spec §3's "any detection of concurrent or
// second use must revoke the associated Installation." The winner's
// TokenExchange write can still be in flight when a replay loses the
// CompareAndSetUsed race a moment later, so this retries briefly before
// giving up rather than silently leaving the token active.
func (s *Server) revokeReplayedExchange(ctx context.Context, code string) {
	delay := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		exch, err := authrecords.Get[authrecords.TokenExchange](ctx, s.records, authrecords.ExchangeRecord, code)
		if err == nil {
			s.revokeInstallation(ctx, exch.AccessToken)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// revokeInstallation marks the installation accessToken resolves to as
// revoked for replay, so C4's token validators start rejecting it
// immediately (spec §8 scenario 2).
func (s *Server) revokeInstallation(ctx context.Context, accessToken string) {
	installation, err := authrecords.Get[authrecords.Installation](ctx, s.records, authrecords.InstallationRecord, accessToken)
	if err != nil {
		return
	}
	if installation.RevokedReason != "" {
		return
	}
	installation.RevokedReason = authrecords.RevokedReplay
	installation.UpdatedAt = time.Now().UTC()
	_ = authrecords.Put(ctx, s.records, authrecords.InstallationRecord, accessToken, installation, store.SetOptions{KeepTTL: true})
}

// RefreshAccessToken implements the refresh_token grant. Refresh tokens are
// single-use and rotate: the mapping is consumed (GetAndDelete) and a new
// access/refresh pair is minted, invalidating the previous access token.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (newAccessToken, newRefreshToken string, expiresIn int64, err error) {
	if _, err := s.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		return "", "", 0, err
	}

	mapping, err := authrecords.GetAndDelete[authrecords.RefreshMapping](ctx, s.records, authrecords.RefreshRecord, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", 0, fmt.Errorf("%w: unknown or expired refresh token", ErrInvalidGrant)
		}
		return "", "", 0, err
	}
	if mapping.ClientID != clientID {
		return "", "", 0, fmt.Errorf("%w: client_id mismatch", ErrInvalidGrant)
	}

	installation, err := authrecords.GetAndDelete[authrecords.Installation](ctx, s.records, authrecords.InstallationRecord, mapping.AccessToken)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", "", 0, err
	}

	return s.issueTokenPair(ctx, clientID, installation.UserID, installation.Scope)
}

// issueTokenPair mints a fresh access/refresh token pair and returns the
// access token's lifetime in seconds (spec §4.3's expires_in), computed from
// the same accessTTL that sets the Installation record's ExpiresAt, so the
// response can never drift from what C4 will actually honor.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID, scope string) (accessToken, refreshToken string, expiresIn int64, err error) {
	accessToken, err = generateRandomString(32)
	if err != nil {
		return "", "", 0, fmt.Errorf("oauth: generate access token: %w", err)
	}
	refreshToken, err = generateRandomString(32)
	if err != nil {
		return "", "", 0, fmt.Errorf("oauth: generate refresh token: %w", err)
	}

	now := time.Now().UTC()
	accessTTL := authrecords.InstallationRecord.TTL()
	installation := authrecords.Installation{
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		IssuedAt:  now,
		UpdatedAt: now,
		ExpiresAt: now.Add(accessTTL),
	}
	if err := authrecords.Put(ctx, s.records, authrecords.InstallationRecord, accessToken, installation, store.SetOptions{}); err != nil {
		return "", "", 0, err
	}

	refreshMapping := authrecords.RefreshMapping{
		ClientID:    clientID,
		AccessToken: accessToken,
		IssuedAt:    now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(authrecords.RefreshRecord.TTL()),
	}
	if err := authrecords.Put(ctx, s.records, authrecords.RefreshRecord, refreshToken, refreshMapping, store.SetOptions{}); err != nil {
		return "", "", 0, err
	}
	return accessToken, refreshToken, int64(accessTTL.Seconds()), nil
}

// Introspect implements co-hosted token validation (spec §4.4): it resolves
// an access token straight against the shared store, with no HTTP hop.
func (s *Server) Introspect(ctx context.Context, accessToken string) (authrecords.Installation, bool, error) {
	installation, err := authrecords.Get[authrecords.Installation](ctx, s.records, authrecords.InstallationRecord, accessToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return authrecords.Installation{}, false, nil
		}
		return authrecords.Installation{}, false, err
	}
	if installation.RevokedReason != "" {
		return installation, false, nil
	}
	return installation, true, nil
}

// Revoke invalidates an access token ahead of its TTL (RFC 7009 semantics).
func (s *Server) Revoke(ctx context.Context, accessToken string) error {
	_, err := s.records.Delete(ctx, authrecords.InstallationRecord, accessToken)
	return err
}
