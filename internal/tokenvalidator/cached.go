package tokenvalidator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheTTL bounds how long a successful or negative validation result
// is trusted before the wrapped Validator is asked again.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	claims  Claims
	expires time.Time
}

// Cached wraps a Validator with a bounded-size, TTL-expiring cache keyed on
// the raw bearer token. It exists because both co-hosted and delegated
// validation cost a store round trip or an HTTP call, and the same token is
// typically presented on every request of a session.
type Cached struct {
	inner Validator
	ttl   time.Duration
	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]

	// OnHit and OnMiss, if set, are called on every Validate outcome so a
	// caller (A4 metrics) can track cache effectiveness without Cached
	// depending on the metrics package itself.
	OnHit  func()
	OnMiss func()
}

// NewCached wraps inner with an LRU cache of the given size, expiring entries
// after ttl. A ttl of 0 uses DefaultCacheTTL.
func NewCached(inner Validator, size int, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// Only returns an error for a non-positive size.
		cache, _ = lru.New[string, cacheEntry](128)
	}
	return &Cached{inner: inner, ttl: ttl, cache: cache}
}

func (v *Cached) Validate(ctx context.Context, token string) (Claims, error) {
	v.mu.Lock()
	entry, ok := v.cache.Get(token)
	v.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		if v.OnHit != nil {
			v.OnHit()
		}
		return entry.claims, nil
	}
	if v.OnMiss != nil {
		v.OnMiss()
	}

	claims, err := v.inner.Validate(ctx, token)
	if err != nil {
		return Claims{}, err
	}

	v.mu.Lock()
	v.cache.Add(token, cacheEntry{claims: claims, expires: time.Now().Add(v.ttl)})
	v.mu.Unlock()
	return claims, nil
}

// Invalidate removes token from the cache, so the next Validate asks the
// wrapped Validator again. The revocation endpoint does not call it: a
// revoked token's cached result stays until its entry expires after ttl.
func (v *Cached) Invalidate(token string) {
	v.mu.Lock()
	v.cache.Remove(token)
	v.mu.Unlock()
}

var _ Validator = (*Cached)(nil)
