package ratelimit

import (
	"context"
	"errors"
	"sync"
)

// Registry hands out one Limiter per key (typically a client IP), lazily
// created on first use, sharing one set of (rpm, rph, rpd) limits. The
// server wires a single Registry, shared by the OAuth and MCP handlers,
// whose keys are caller IPs, "client:"-prefixed client ids, and
// "user:"-prefixed user ids.
type Registry struct {
	rpm, rph, rpd int

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates a per-key limiter registry with the given per-minute,
// per-hour, and per-day limits applied to every key.
func NewRegistry(rpm, rph, rpd int) *Registry {
	return &Registry{
		rpm:      rpm,
		rph:      rph,
		rpd:      rpd,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the Limiter for key, creating it on first use.
func (r *Registry) Get(key string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = New(r.rpm, r.rph, r.rpd)
		r.limiters[key] = l
	}
	return l
}

// Wait resolves key's Limiter and waits on it, stamping the identity that was
// throttled onto any ErrRateLimited so callers (oauthhttp, httpapi) can log or
// report which client_id or caller IP tripped the limit without having to
// thread the key through separately.
func (r *Registry) Wait(ctx context.Context, key string) error {
	err := r.Get(key).Wait(ctx)
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		rl.Key = key
	}
	return err
}
