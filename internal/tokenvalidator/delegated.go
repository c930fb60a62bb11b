package tokenvalidator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcp-relay/internal/circuitbreaker"
)

// Delegated validates bearer tokens by calling an external RFC 7662
// introspection endpoint. A circuit breaker wraps the HTTP call: when it
// trips open, Validate returns ErrDegraded so the caller can answer with a
// 503 instead of a misleading 401.
type Delegated struct {
	introspectionURL string
	audience         string
	httpClient       *http.Client
	breaker          *circuitbreaker.Breaker
}

// ErrDegraded is returned when the circuit breaker is open: the upstream
// introspection endpoint is considered unhealthy.
var ErrDegraded = fmt.Errorf("tokenvalidator: introspection endpoint unavailable")

// introspectionError classifies a failed call to the introspection endpoint
// so the circuit breaker's Stats/ErrCircuitOpen can report more than "some
// failure occurred": a broken TLS config, a 500 from the authorization
// server, and a malformed JSON body all trip the breaker the same way but
// point an operator at very different fixes.
type introspectionError struct {
	class string
	err   error
}

func (e *introspectionError) Error() string { return e.err.Error() }
func (e *introspectionError) Unwrap() error { return e.err }
func (e *introspectionError) Class() string { return e.class }

func classifyf(class, format string, args ...any) error {
	return &introspectionError{class: class, err: fmt.Errorf(format, args...)}
}

// NewDelegated builds a Validator that calls introspectionURL, validating
// that the `aud` claim in the response matches audience (the resource's own
// identifier) when audience is non-empty.
func NewDelegated(introspectionURL, audience string, httpClient *http.Client, breaker *circuitbreaker.Breaker) *Delegated {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Delegated{
		introspectionURL: introspectionURL,
		audience:         audience,
		httpClient:       httpClient,
		breaker:          breaker,
	}
}

func (v *Delegated) Validate(ctx context.Context, token string) (Claims, error) {
	if err := v.breaker.Allow(); err != nil {
		return Claims{}, ErrDegraded
	}

	claims, err := v.introspect(ctx, token)
	if err != nil {
		v.breaker.RecordFailure(err)
		return Claims{}, err
	}
	v.breaker.RecordSuccess()
	return claims, nil
}

// Probe checks that the introspection endpoint is reachable and speaking the
// expected protocol, without going through the circuit breaker or caring
// whether the probe token is active. Used by bootstrap (C10) to decide
// whether to leave degraded mode.
func (v *Delegated) Probe(ctx context.Context) error {
	_, err := v.introspect(ctx, "bootstrap-health-probe")
	return err
}

func (v *Delegated) introspect(ctx context.Context, token string) (Claims, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.introspectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Claims{}, classifyf("request", "tokenvalidator: build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Claims{}, classifyf("network", "tokenvalidator: introspection request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Claims{}, classifyf("http_status", "tokenvalidator: introspection returned status %d", resp.StatusCode)
	}

	var body struct {
		Active   bool   `json:"active"`
		ClientID string `json:"client_id"`
		Sub      string `json:"sub"`
		Scope    string `json:"scope"`
		Audience any    `json:"aud"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Claims{}, classifyf("protocol", "tokenvalidator: decode introspection response: %w", err)
	}
	if !body.Active {
		return Claims{Active: false}, nil
	}
	if v.audience != "" && !audienceMatches(body.Audience, v.audience) {
		return Claims{Active: false}, nil
	}

	return Claims{
		Active:   true,
		ClientID: body.ClientID,
		Subject:  body.Sub,
		Scope:    body.Scope,
	}, nil
}

func audienceMatches(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

var _ Validator = (*Delegated)(nil)
