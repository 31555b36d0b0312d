package repository

import (
	"context"
	"sync"
	"time"
)

type lockEntry struct {
	owner     string
	expiresAt time.Time
}

// MemorySyncLock only excludes passes inside one process.
type MemorySyncLock struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
}

func NewMemorySyncLock() *MemorySyncLock {
	return &MemorySyncLock{
		locks: make(map[string]lockEntry),
		now:   time.Now,
	}
}

func (l *MemorySyncLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.locks[key]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}
	l.locks[key] = lockEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemorySyncLock) Unlock(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.locks[key]; ok && entry.owner == owner {
		delete(l.locks, key)
	}
	return nil
}

func (l *MemorySyncLock) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.locks[key]
	if !ok || entry.owner != owner || !now.Before(entry.expiresAt) {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	l.locks[key] = entry
	return true, nil
}
