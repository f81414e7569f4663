// Package cache provides bounded in-memory caches used by channel adapters.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Defaults for adapter dedup caches.
const (
	DefaultDedupeTTL  = 10 * time.Minute
	DefaultDedupeSize = 1000
)

type dedupeEntry struct {
	key  string
	seen time.Time
}

// Dedupe remembers recently seen message identities so that platform
// redeliveries can be dropped. It is bounded by size (oldest evicted first)
// and by age. Expired entries are pruned lazily on access, so there is no
// background goroutine to stop.
type Dedupe struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// DedupeOptions configures a Dedupe cache.
type DedupeOptions struct {
	TTL     time.Duration
	MaxSize int
}

// NewDedupe creates a dedup cache. Zero options select the defaults.
func NewDedupe(opts DedupeOptions) *Dedupe {
	if opts.TTL <= 0 {
		opts.TTL = DefaultDedupeTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultDedupeSize
	}
	return &Dedupe{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     time.Now,
	}
}

// Seen reports whether key was recorded within the TTL and records it if not.
// Empty keys are never considered duplicates.
func (d *Dedupe) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	if _, ok := d.entries[key]; ok {
		return true
	}

	for d.order.Len() >= d.maxSize {
		d.removeLocked(d.order.Front())
	}
	d.entries[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// Contains reports whether key is recorded and unexpired without recording it.
func (d *Dedupe) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem, ok := d.entries[key]
	if !ok {
		return false
	}
	return d.now().Sub(elem.Value.(*dedupeEntry).seen) < d.ttl
}

// Forget removes key.
func (d *Dedupe) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if elem, ok := d.entries[key]; ok {
		d.removeLocked(elem)
	}
}

// Clear removes every entry.
func (d *Dedupe) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = make(map[string]*list.Element)
	d.order.Init()
}

// Len returns the number of recorded keys, including ones not yet pruned.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

func (d *Dedupe) pruneLocked(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		if now.Sub(front.Value.(*dedupeEntry).seen) < d.ttl {
			return
		}
		d.removeLocked(front)
	}
}

func (d *Dedupe) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	d.order.Remove(elem)
	delete(d.entries, elem.Value.(*dedupeEntry).key)
}

// Key joins identity parts into a dedup key, skipping blanks.
// It returns "" when every part is blank.
func Key(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
