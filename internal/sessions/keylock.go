package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when acquiring a chat lock times out.
var ErrLockTimeout = errors.New("session: lock acquisition timeout")

type keyLock struct {
	sem  chan struct{}
	refs int
}

// KeyLocker serializes work per key. Entries are dropped once no goroutine
// holds or waits for them, so the map only grows with concurrent chats.
//
// KeyLocker is safe for concurrent use.
type KeyLocker struct {
	mu             sync.Mutex
	locks          map[string]*keyLock
	defaultTimeout time.Duration
}

// NewKeyLocker creates a locker. A non-positive timeout selects 30 seconds.
func NewKeyLocker(defaultTimeout time.Duration) *KeyLocker {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &KeyLocker{
		locks:          make(map[string]*keyLock),
		defaultTimeout: defaultTimeout,
	}
}

// Acquire blocks until key is free, ctx is done or timeout elapses.
// The returned release func must be called exactly once.
func (l *KeyLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}

	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, ctx.Err()
	case <-timer.C:
		l.unref(key, lock)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.unref(key, lock)
		})
	}, nil
}

// TryAcquire takes the lock only if it is free.
func (l *KeyLocker) TryAcquire(key string) (func(), bool) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	default:
		l.unref(key, lock)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			l.unref(key, lock)
		})
	}, true
}

// IsLocked reports whether key is currently held.
func (l *KeyLocker) IsLocked(key string) bool {
	l.mu.Lock()
	lock, ok := l.locks[key]
	l.mu.Unlock()
	return ok && len(lock.sem) > 0
}

// Len returns the number of tracked keys.
func (l *KeyLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocker) unref(key string, lock *keyLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 && l.locks[key] == lock {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
