package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestBucket_AllowAndRefill(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	b := NewBucket(1, 2)
	b.now = c.now
	b.lastRefill = c.t

	if !b.Allow() || !b.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if b.Allow() {
		t.Fatal("third call should be limited")
	}
	if wait := b.WaitTime(); wait != time.Second {
		t.Fatalf("WaitTime() = %v, want 1s", wait)
	}

	c.t = c.t.Add(time.Second)
	if !b.Allow() {
		t.Fatal("token should refill after a second")
	}
}

func TestBucket_WaitCanceled(t *testing.T) {
	b := NewBucket(0.001, 1)
	if !b.Allow() {
		t.Fatal("first token should be available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestLimiter_PerMinute(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	l := NewLimiter()
	l.now = c.now

	key := CompositeKey("telegram", "u1")
	for i := 0; i < 3; i++ {
		if !l.Allow(key, 3) {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.Allow(key, 3) {
		t.Fatal("fourth call within a minute should be limited")
	}
	if !l.Allow(CompositeKey("telegram", "u2"), 3) {
		t.Fatal("other keys are independent")
	}

	c.t = c.t.Add(30 * time.Second)
	if !l.Allow(key, 3) {
		t.Fatal("a token should refill within 30s at 3/min")
	}

	l.Reset(key)
	if !l.Allow(key, 3) {
		t.Fatal("reset key should start full")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", 0) {
			t.Fatal("zero limit means unlimited")
		}
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("a", "b", "c"); got != "a:b:c" {
		t.Fatalf("CompositeKey() = %q", got)
	}
}
