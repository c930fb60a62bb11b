// Package bootstrap implements process startup (C10): shared-store connect
// (fatal on failure), delegated-auth health probing with backoff, and the
// process-wide degraded-mode flag protected endpoints consult.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mcp-relay/internal/store"
)

// ConnectStore dials the shared store at storeURL (a redis:// URL) and
// verifies connectivity with a Ping. Failure here is fatal: the caller is
// expected to log and os.Exit(1), since nothing in the process can serve
// traffic without the shared store.
func ConnectStore(ctx context.Context, storeURL string) (*store.RedisStore, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse store url: %w", err)
	}
	rdb := redis.NewClient(opts)
	s := store.NewRedisStoreFromClient(rdb)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("bootstrap: connect to shared store: %w", err)
	}
	return s, nil
}

// Prober is satisfied by tokenvalidator.Delegated. It is defined here,
// rather than imported, so bootstrap does not need to know about
// tokenvalidator's co-hosted mode where no probing is needed.
type Prober interface {
	Probe(ctx context.Context) error
}

// DegradedFlag is the process-wide flag protected endpoints consult before
// serving a request: while set, every protected endpoint answers 503 with a
// JSON-RPC -32000 body instead of attempting token validation.
type DegradedFlag struct {
	degraded atomic.Bool
}

// IsDegraded reports the current state.
func (f *DegradedFlag) IsDegraded() bool {
	return f.degraded.Load()
}

func (f *DegradedFlag) set(v bool) {
	f.degraded.Store(v)
}

// ProbeBackoff bounds the initial health probe's retry schedule.
type ProbeBackoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultProbeBackoff matches spec.md's "small bounded number of attempts".
var DefaultProbeBackoff = ProbeBackoff{Attempts: 5, Base: 200 * time.Millisecond, Max: 5 * time.Second}

// ProbeWithBackoff calls probe.Probe repeatedly with exponential backoff
// (capped at b.Max) until it succeeds or b.Attempts is exhausted. It returns
// the last error on exhaustion.
func ProbeWithBackoff(ctx context.Context, probe Prober, b ProbeBackoff, logger *slog.Logger) error {
	delay := b.Base
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if err := probe.Probe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			logger.Warn("bootstrap: introspection probe failed", "attempt", attempt, "error", err)
		}

		if attempt == b.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
	return fmt.Errorf("bootstrap: introspection endpoint unreachable after %d attempts: %w", b.Attempts, lastErr)
}

// HealthLoop periodically re-probes a delegated introspection endpoint and
// flips flag accordingly, so a process that started degraded (or whose
// breaker tripped later) can recover without a restart.
type HealthLoop struct {
	Prober   Prober
	Flag     *DegradedFlag
	Interval time.Duration
	Logger   *slog.Logger
}

// Run blocks, probing every interval, until ctx is cancelled.
func (h *HealthLoop) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := h.Prober.Probe(probeCtx)
			cancel()

			wasDegraded := h.Flag.IsDegraded()
			if err != nil {
				h.Flag.set(true)
				if !wasDegraded {
					h.Logger.Error("bootstrap: entering degraded mode", "error", err)
				}
				continue
			}
			h.Flag.set(false)
			if wasDegraded {
				h.Logger.Info("bootstrap: recovered from degraded mode")
			}
		}
	}
}

// Start runs the initial bounded-backoff probe (if prober is non-nil) and
// sets flag's initial state, then returns. Callers in delegated mode should
// call this before serving traffic; co-hosted mode has no prober and is
// never degraded.
func Start(ctx context.Context, prober Prober, flag *DegradedFlag, b ProbeBackoff, logger *slog.Logger) {
	if prober == nil {
		return
	}
	if err := ProbeWithBackoff(ctx, prober, b, logger); err != nil {
		logger.Error("bootstrap: starting in degraded mode", "error", err)
		flag.set(true)
		return
	}
	flag.set(false)
}
