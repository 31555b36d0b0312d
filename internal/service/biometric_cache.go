package service

import (
	"context"
	"errors"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// BiometricCache keeps the latest capture templates per worker for offline
// matching. Each Store call replaces the previous entry.
type BiometricCache struct {
	store  domain.BiometricStore
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBiometricCache(store domain.BiometricStore, logger *zerolog.Logger) *BiometricCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BiometricCache{store: store, logger: logger, now: time.Now}
}

func (c *BiometricCache) Store(ctx context.Context, workerID string, faceEncoding, fingerprintTemplate *string) error {
	if workerID == "" {
		return errors.New("worker id is required")
	}

	entry := models.BiometricEntry{
		WorkerID:            workerID,
		FaceEncoding:        faceEncoding,
		FingerprintTemplate: fingerprintTemplate,
		Timestamp:           c.now().UnixMilli(),
	}
	if err := c.store.PutBiometric(ctx, entry); err != nil {
		c.logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to cache biometrics")
		return err
	}
	return nil
}

// Lookup returns nil when nothing is cached for the worker.
func (c *BiometricCache) Lookup(ctx context.Context, workerID string) (*models.BiometricEntry, error) {
	return c.store.GetBiometric(ctx, workerID)
}
