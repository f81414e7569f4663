package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

type subscription struct {
	id      uint64
	handler EventHandler
}

// Bus fans events out to an explicit list of subscribers. Handlers run
// synchronously in registration order; a panicking handler is logged and
// does not affect the others.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "agent_bus")}
}

// Subscribe adds h and returns a func that removes it.
func (b *Bus) Subscribe(h EventHandler) func() {
	if h == nil {
		return func() {}
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	next := make([]subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit delivers ev to every subscriber.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	seq := b.seq.Add(1)

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(ctx, s, ev, seq)
	}
}

func (b *Bus) dispatch(ctx context.Context, s subscription, ev Event, seq uint64) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.Type,
				"task_id", ev.TaskID,
				"seq", seq,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.handler(ctx, ev)
}
