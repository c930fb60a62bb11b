package authrecords

import "time"

// ClientRegistration is the result of dynamic client registration (RFC 7591).
type ClientRegistration struct {
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret,omitempty"`
	RedirectURIs []string  `json:"redirectUris"`
	ClientName   string    `json:"clientName,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PendingAuthorization tracks an in-flight authorization-code grant between
// /authorize and /token, keyed by the authorization code.
type PendingAuthorization struct {
	ClientID            string    `json:"clientId"`
	RedirectURI         string    `json:"redirectUri"`
	CodeChallenge       string    `json:"codeChallenge"`
	CodeChallengeMethod string    `json:"codeChallengeMethod"`
	Scope               string    `json:"scope,omitempty"`
	UserID              string    `json:"userId"`
	IssuedAt            time.Time `json:"issuedAt"`
}

// TokenExchange records a single authorization code's exchange outcome.
// AlreadyUsed is a denormalized record of the outcome for audit/inspection;
// the actual replay guard is the separate one-shot marker CompareAndSetUsed
// claims atomically, since a read-then-write against this record would race.
type TokenExchange struct {
	ClientID      string    `json:"clientId"`
	AccessToken   string    `json:"accessToken"`
	RefreshToken  string    `json:"refreshToken,omitempty"`
	AlreadyUsed   bool      `json:"alreadyUsed"`
	RevokedReason string    `json:"revokedReason,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Installation is the record an access token resolves to: the authenticated
// identity and grant the token was minted for.
type Installation struct {
	ClientID      string    `json:"clientId"`
	UserID        string    `json:"userId"`
	Scope         string    `json:"scope,omitempty"`
	RevokedReason string    `json:"revokedReason,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// RefreshMapping resolves a refresh token to the access token it rotates,
// letting /token (grant_type=refresh_token) find the installation to renew.
type RefreshMapping struct {
	ClientID      string    `json:"clientId"`
	AccessToken   string    `json:"accessToken"`
	RevokedReason string    `json:"revokedReason,omitempty"`
	IssuedAt      time.Time `json:"issuedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// RevocationReason enumerates why a record was invalidated before its TTL.
const (
	RevokedReplay       = "replay"
	RevokedClientRevoke = "client-revoke"
	RevokedTTL          = "ttl"
)
