package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"mcp-relay/internal/logging"
)

type stubProber struct {
	failures int
	calls    int
}

func (p *stubProber) Probe(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("introspection endpoint unreachable")
	}
	return nil
}

func testLogger() *slog.Logger {
	return logging.Discard()
}

func TestProbeWithBackoffSucceedsAfterTransientFailures(t *testing.T) {
	p := &stubProber{failures: 2}
	b := ProbeBackoff{Attempts: 5, Base: time.Millisecond, Max: 10 * time.Millisecond}

	if err := ProbeWithBackoff(context.Background(), p, b, testLogger()); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", p.calls)
	}
}

func TestProbeWithBackoffExhaustsAttempts(t *testing.T) {
	p := &stubProber{failures: 100}
	b := ProbeBackoff{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}

	err := ProbeWithBackoff(context.Background(), p, b, testLogger())
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", p.calls)
	}
}

func TestStartSetsDegradedOnFailure(t *testing.T) {
	p := &stubProber{failures: 100}
	flag := &DegradedFlag{}
	b := ProbeBackoff{Attempts: 2, Base: time.Millisecond, Max: time.Millisecond}

	Start(context.Background(), p, flag, b, testLogger())
	if !flag.IsDegraded() {
		t.Fatal("expected degraded flag to be set")
	}
}

func TestStartLeavesNotDegradedOnSuccess(t *testing.T) {
	p := &stubProber{}
	flag := &DegradedFlag{}
	Start(context.Background(), p, flag, DefaultProbeBackoff, testLogger())
	if flag.IsDegraded() {
		t.Fatal("expected flag to stay clear on success")
	}
}

func TestStartWithNilProberIsNoop(t *testing.T) {
	flag := &DegradedFlag{}
	Start(context.Background(), nil, flag, DefaultProbeBackoff, testLogger())
	if flag.IsDegraded() {
		t.Fatal("expected flag to stay clear when there is no prober")
	}
}

func TestHealthLoopRecoversAfterTransientFailure(t *testing.T) {
	p := &stubProber{failures: 1}
	flag := &DegradedFlag{}
	flag.set(true)

	loop := &HealthLoop{Prober: p, Flag: flag, Interval: 2 * time.Millisecond, Logger: testLogger()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	if flag.IsDegraded() {
		t.Fatal("expected the health loop to clear the degraded flag after recovery")
	}
}
