package cache

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestDedupe(ttl time.Duration, size int) (*Dedupe, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	d := NewDedupe(DedupeOptions{TTL: ttl, MaxSize: size})
	d.now = clock.now
	return d, clock
}

func TestDedupeSeen(t *testing.T) {
	d, clock := newTestDedupe(time.Minute, 10)

	if d.Seen("a") {
		t.Fatal("first sighting should not be a duplicate")
	}
	if !d.Seen("a") {
		t.Fatal("second sighting should be a duplicate")
	}
	if d.Seen("") {
		t.Fatal("empty key must never be a duplicate")
	}

	clock.t = clock.t.Add(time.Minute)
	if d.Seen("a") {
		t.Fatal("expired key should be accepted again")
	}
}

func TestDedupeEvictsOldest(t *testing.T) {
	d, clock := newTestDedupe(time.Hour, 2)

	d.Seen("a")
	clock.t = clock.t.Add(time.Second)
	d.Seen("b")
	clock.t = clock.t.Add(time.Second)
	d.Seen("c")

	if d.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", d.Len())
	}
	if d.Contains("a") {
		t.Fatal("oldest key should have been evicted")
	}
	if !d.Contains("b") || !d.Contains("c") {
		t.Fatal("newer keys should remain")
	}
}

func TestDedupeForgetAndClear(t *testing.T) {
	d, _ := newTestDedupe(time.Hour, 10)
	d.Seen("a")
	d.Seen("b")

	d.Forget("a")
	if d.Contains("a") {
		t.Fatal("Forget should remove the key")
	}
	d.Clear()
	if d.Len() != 0 {
		t.Fatalf("Len() after Clear = %d", d.Len())
	}
	if d.Seen("b") {
		t.Fatal("cleared key should be new again")
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"chat", "42"}, "chat:42"},
		{[]string{"", "42"}, "42"},
		{[]string{" ", ""}, ""},
	}
	for _, tt := range tests {
		if got := Key(tt.parts...); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}
