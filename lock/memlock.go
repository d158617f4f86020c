package lock

import (
	"context"
	"sync"
	"time"
)

// MemLocker is an in-process Locker with the same ownership and TTL
// semantics as RedisLocker, for tests and embedded runs.
type MemLocker struct {
	mu    sync.Mutex
	locks map[string]memEntry
}

type memEntry struct {
	owner   string
	expires time.Time
}

var _ Locker = (*MemLocker)(nil)

// NewMemLocker creates an empty MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{locks: make(map[string]memEntry)}
}

func (l *MemLocker) Acquire(_ context.Context, key, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if e, ok := l.locks[key]; ok && now.Before(e.expires) {
		return ErrNotAcquired
	}
	l.locks[key] = memEntry{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (l *MemLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.locks[key]; ok && e.owner == owner {
		delete(l.locks, key)
	}
	return nil
}

// Holder reports the current live owner of key, for assertions in tests.
func (l *MemLocker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.owner, true
}
