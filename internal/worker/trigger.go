package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Syncer is the single entry point shared by every trigger source.
type Syncer interface {
	SyncAllPending(ctx context.Context) models.SyncAllResult
}

// Trigger starts sync passes without user action: on the online transition,
// on a fixed timer while online, and as backoff follow-ups after a pass that
// left retryable failures.
type Trigger struct {
	engine   Syncer
	conn     domain.ConnectivityState
	interval time.Duration
	retry    RetryPolicy
	logger   *zerolog.Logger

	mu         sync.Mutex
	runCtx     context.Context
	retryTimer *time.Timer
	attempt    int
}

func NewTrigger(engine Syncer, conn domain.ConnectivityState, interval time.Duration, retry RetryPolicy, logger *zerolog.Logger) *Trigger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = models.DefaultSyncInterval
	}
	return &Trigger{
		engine:   engine,
		conn:     conn,
		interval: interval,
		retry:    retry,
		logger:   logger,
	}
}

// Bind subscribes the trigger to connectivity transitions.
func (t *Trigger) Bind(bus *events.EventBus) {
	bus.Subscribe(events.EventConnectivityChanged, func(event *events.Event) error {
		var p events.ConnectivityPayload
		if err := event.Decode(&p); err != nil {
			t.logger.Warn().Err(err).Msg("bad connectivity event")
			return nil
		}
		if !p.Online {
			t.cancelRetry()
			return nil
		}
		t.logger.Info().Str("source", p.Source).Msg("back online, syncing")
		t.fire(t.context(), models.TriggerOnline)
		return nil
	})
}

// SyncNow runs a manual pass through the same path as automatic ones.
func (t *Trigger) SyncNow(ctx context.Context) models.SyncAllResult {
	return t.fire(ctx, models.TriggerManual)
}

// Run drives the periodic timer until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	t.mu.Lock()
	t.runCtx = ctx
	t.mu.Unlock()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	defer t.cancelRetry()

	t.logger.Info().Dur("interval", t.interval).Msg("sync trigger started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("sync trigger stopped")
			return nil
		case <-ticker.C:
			// Проверка сети только подсказка, запрос всё равно может упасть
			if t.conn != nil && !t.conn.Online() {
				t.logger.Debug().Msg("offline, skipping timed sync")
				continue
			}
			t.fire(ctx, models.TriggerTimer)
		}
	}
}

func (t *Trigger) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runCtx != nil {
		return t.runCtx
	}
	return context.Background()
}

// fire runs one pass and never lets a panic escape into the event source.
func (t *Trigger) fire(ctx context.Context, trigger string) (res models.SyncAllResult) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Str("trigger", trigger).Msg("sync pass panicked")
			res = models.SyncAllResult{Attendance: models.BatchResult{Err: fmt.Errorf("sync panic: %v", r)}}
		}
	}()

	if ctx.Err() != nil {
		return models.SyncAllResult{}
	}

	res = t.engine.SyncAllPending(WithTrigger(ctx, trigger))

	if NeedsRetry(res) {
		t.scheduleRetry()
	} else if len(res.Errors()) == 0 {
		t.resetRetry()
	}
	return res
}

// scheduleRetry arms one follow-up pass. It runs on the trigger's own context
// since a manual caller's context ends with its request.
func (t *Trigger) scheduleRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.retryTimer != nil {
		return
	}

	t.attempt++
	if t.retry.Exhausted(t.attempt) {
		t.logger.Warn().Int("attempts", t.attempt-1).Msg("sync retries exhausted, waiting for next trigger")
		t.attempt = 0
		return
	}

	delay := t.retry.NextDelay(t.attempt)
	t.logger.Info().Int("attempt", t.attempt).Dur("delay", delay).Msg("scheduling sync retry")
	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.retryTimer = nil
		t.mu.Unlock()

		ctx := t.context()
		if ctx.Err() != nil {
			return
		}
		if t.conn != nil && !t.conn.Online() {
			return
		}
		t.fire(ctx, models.TriggerRetry)
	})
}

func (t *Trigger) resetRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt = 0
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Trigger) cancelRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

// RetryPending reports whether a follow-up pass is scheduled.
func (t *Trigger) RetryPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryTimer != nil
}
