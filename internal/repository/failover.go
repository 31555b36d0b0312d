package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/domain"

	"github.com/rs/zerolog"
)

type FailoverSyncLock struct {
	primary  domain.SyncLock
	fallback domain.SyncLock
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverSyncLock(primary, fallback domain.SyncLock, logger *zerolog.Logger) *FailoverSyncLock {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverSyncLock{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverSyncLock) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary sync lock failed, falling back to memory")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverSyncLock) shouldRetryPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > time.Minute {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverSyncLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if !r.isDown.Load() {
		ok, err := r.primary.TryLock(ctx, key, owner, ttl)
		if err == nil {
			return ok, nil
		}
		r.markDown(err)
	}

	// Try to recover after 1 minute
	if r.isDown.Load() && r.shouldRetryPrimary() {
		ok, err := r.primary.TryLock(ctx, key, owner, ttl)
		if err == nil {
			r.logger.Info().Msg("Primary sync lock recovered")
			r.isDown.Store(false)
			return ok, nil
		}
	}

	return r.fallback.TryLock(ctx, key, owner, ttl)
}

func (r *FailoverSyncLock) Unlock(ctx context.Context, key, owner string) error {
	// The lock may have been taken on either side; releasing both is safe
	// because each side only deletes a lock held by owner.
	fallbackErr := r.fallback.Unlock(ctx, key, owner)
	if r.isDown.Load() {
		return fallbackErr
	}

	if err := r.primary.Unlock(ctx, key, owner); err != nil {
		r.markDown(err)
		return fallbackErr
	}
	return nil
}

// Extend goes to the side currently in use. A primary error is returned so
// the caller can carry on without the lock.
func (r *FailoverSyncLock) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if r.isDown.Load() {
		return r.fallback.Extend(ctx, key, owner, ttl)
	}
	ok, err := r.primary.Extend(ctx, key, owner, ttl)
	if err != nil {
		r.markDown(err)
		return false, err
	}
	return ok, nil
}
