package redact

import "strings"

// SecretKind names the category of OAuth artifact a registered secret value
// represents: spec §4.3's client_secret, access_token, refresh_token, and
// authorization code are the only values this server ever mints or receives
// that must never reach a log line. Kinds let Redactor report what it's
// guarding without ever printing the values themselves.
type SecretKind string

const (
	ClientSecret SecretKind = "client_secret"
	AccessToken  SecretKind = "access_token"
	RefreshToken SecretKind = "refresh_token"
	AuthCode     SecretKind = "authorization_code"
)

type secret struct {
	kind  SecretKind
	value string
}

// Redactor replaces configured secrets in strings.
type Redactor struct {
	secrets []secret
}

func NewRedactor() *Redactor {
	return &Redactor{}
}

// AddSecret registers a single secret value under kind.
func (r *Redactor) AddSecret(kind SecretKind, value string) {
	if value == "" {
		return
	}
	r.secrets = append(r.secrets, secret{kind: kind, value: value})
}

// AddSecrets registers a batch of values that are all the same kind, e.g. a
// freshly-minted access/refresh token pair.
func (r *Redactor) AddSecrets(kind SecretKind, values []string) {
	for _, v := range values {
		r.AddSecret(kind, v)
	}
}

func (r *Redactor) Redact(input string) string {
	out := input
	for _, s := range r.secrets {
		if s.value == "" {
			continue
		}
		out = strings.ReplaceAll(out, s.value, "[REDACTED]")
	}
	return out
}

// Count reports how many secrets of kind are currently registered.
func (r *Redactor) Count(kind SecretKind) int {
	n := 0
	for _, s := range r.secrets {
		if s.kind == kind {
			n++
		}
	}
	return n
}
