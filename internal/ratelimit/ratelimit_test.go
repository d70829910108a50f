package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 100 {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("expected unlimited, got: %v", err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("a"); err != nil {
		t.Fatalf("expected nil limiter to allow, got: %v", err)
	}
}

func TestAllow_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	l.now = func() time.Time { return now }

	for i := range 2 {
		if err := l.Allow("client"); err != nil {
			t.Fatalf("request %d: expected allowed, got: %v", i, err)
		}
	}
	if err := l.Allow("client"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got: %v", err)
	}

	// One token per second at 60/min.
	now = now.Add(time.Second)
	if err := l.Allow("client"); err != nil {
		t.Fatalf("expected refill after 1s, got: %v", err)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("expected a to be limited")
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("expected b unaffected, got: %v", err)
	}
}

func TestSweep_DropsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerMinute: 10, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	_ = l.Allow("a")
	_ = l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("expected 2 buckets, got: %d", l.Len())
	}

	now = now.Add(2 * time.Minute)
	_ = l.Allow("c")
	if l.Len() != 1 {
		t.Fatalf("expected idle buckets swept, got: %d", l.Len())
	}
}
