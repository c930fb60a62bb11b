package ratelimit

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryGetIsPerKey(t *testing.T) {
	r := NewRegistry(1, 0, 0)
	a := r.Get("client:one")
	b := r.Get("client:two")
	if a == b {
		t.Fatal("expected distinct limiters for distinct keys")
	}
	if r.Get("client:one") != a {
		t.Fatal("expected Get to return the same limiter on repeat calls for the same key")
	}
}

func TestRegistryWaitStampsKeyOnRateLimited(t *testing.T) {
	r := NewRegistry(0, 1, 0)

	if err := r.Wait(context.Background(), "client:abc"); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}

	err := r.Wait(context.Background(), "client:abc")
	if err == nil {
		t.Fatal("expected second request to be rate limited")
	}
	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got: %T %v", err, err)
	}
	if rl.Key != "client:abc" {
		t.Fatalf("expected Key to be stamped with the throttled identity, got: %q", rl.Key)
	}

	// A different key has its own independent quota.
	if err := r.Wait(context.Background(), "client:xyz"); err != nil {
		t.Fatalf("a different key should not be affected by another key's quota: %v", err)
	}
}
