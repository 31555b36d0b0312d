package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ErrInvalidPayload is returned when a payload fails validation.
var ErrInvalidPayload = errors.New("invalid payload")

// QueueWriter is the only way application code appends work to the queue.
// It works regardless of connectivity; a failed write returns ("", err).
type QueueWriter struct {
	store    domain.QueueStore
	eventBus domain.EventPublisher
	validate *validator.Validate
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewQueueWriter(store domain.QueueStore, eventBus domain.EventPublisher, logger *zerolog.Logger) *QueueWriter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &QueueWriter{
		store:    store,
		eventBus: eventBus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
}

// QueueAttendance persists a check-in or check-out.
func (w *QueueWriter) QueueAttendance(ctx context.Context, payload models.AttendancePayload) (string, error) {
	return w.enqueue(ctx, models.KindAttendance, payload)
}

// QueueLocation persists one GPS ping for a dispatch.
func (w *QueueWriter) QueueLocation(ctx context.Context, dispatchID string, lat, lon float64) (string, error) {
	return w.enqueue(ctx, models.KindLocation, models.LocationPayload{
		DispatchID: dispatchID,
		Latitude:   lat,
		Longitude:  lon,
	})
}

// QueueOfflineRequest persists an API call to replay later.
func (w *QueueWriter) QueueOfflineRequest(ctx context.Context, req models.RequestPayload) (string, error) {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	return w.enqueue(ctx, models.KindRequest, req)
}

func (w *QueueWriter) enqueue(ctx context.Context, kind models.RecordKind, payload any) (id string, err error) {
	// Запись в очередь не должна ронять вызывающий код
	defer func() {
		if r := recover(); r != nil {
			id, err = "", fmt.Errorf("enqueue %s: panic: %v", kind, r)
			w.logger.Error().Interface("panic", r).Str("kind", string(kind)).Msg("enqueue panicked")
		}
		if err != nil {
			metrics.IncQueued(string(kind), "error")
		}
	}()

	if err := w.validate.StructCtx(ctx, payload); err != nil {
		w.logger.Warn().Err(err).Str("kind", string(kind)).Msg("rejected invalid payload")
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := w.now()
	rec, err := models.NewRecord(kind, payload, now)
	if err != nil {
		return "", err
	}

	if err := w.store.Add(ctx, rec); err != nil {
		w.logger.Error().Err(err).Str("kind", string(kind)).Str("id", rec.ID).Msg("failed to enqueue record")
		return "", err
	}

	metrics.IncQueued(string(kind), "ok")
	w.logger.Debug().Str("kind", string(kind)).Str("id", rec.ID).Msg("record queued")

	// Публикуем событие
	if w.eventBus != nil {
		if err := w.eventBus.PublishJSON(events.EventRecordQueued, events.RecordQueuedPayload{
			ID:        rec.ID,
			Kind:      string(kind),
			Timestamp: now,
		}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to publish record_queued")
		}
	}

	return rec.ID, nil
}
