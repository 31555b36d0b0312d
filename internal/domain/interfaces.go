package domain

import (
	"context"
	"time"

	"fieldsync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type QueueStore interface {
	Add(ctx context.Context, rec models.QueueRecord) error
	GetAll(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error)
	GetUnsynced(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error)
	Put(ctx context.Context, rec models.QueueRecord) error
	Get(ctx context.Context, kind models.RecordKind, id string) (*models.QueueRecord, error)
	Stats(ctx context.Context) (models.PendingStats, error)
}

type BiometricStore interface {
	PutBiometric(ctx context.Context, entry models.BiometricEntry) error
	GetBiometric(ctx context.Context, workerID string) (*models.BiometricEntry, error)
}

type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearAuth(ctx context.Context) error
}

type RemoteAPI interface {
	SyncAttendance(ctx context.Context, records []models.AttendanceSyncRecord) error
	SyncLocations(ctx context.Context, records []models.LocationSyncRecord) error
	Replay(ctx context.Context, idempotencyKey string, req models.RequestPayload) error
	Ping(ctx context.Context) error
}

type SyncLock interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
	// Extend resets the ttl of a lock still held by owner. It reports false
	// when owner no longer holds it.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

type ConnectivityState interface {
	Online() bool
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetMe() (tgbotapi.User, error)
}
