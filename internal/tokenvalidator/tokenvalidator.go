// Package tokenvalidator implements the two token validation modes named in
// spec §4.4: co-hosted (the authorization server lives in this process, so
// validation is a direct store lookup) and delegated (validation is an HTTP
// call to an external introspection endpoint). Both are wrapped with a
// bounded-TTL cache and, for delegated mode, a circuit breaker that feeds
// process-wide degraded mode when the upstream is unhealthy.
package tokenvalidator

import "context"

// Claims describes the subset of introspection output the rest of the
// server needs to authorize a request.
type Claims struct {
	Active   bool
	ClientID string
	Subject  string
	Scope    string
}

// Validator resolves a bearer token to its claims.
type Validator interface {
	Validate(ctx context.Context, token string) (Claims, error)
}
