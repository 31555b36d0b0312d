package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// errLockLost stops a replay pass whose sync lock expired or was taken over.
var errLockLost = errors.New("sync lock lost")

type triggerKey struct{}

// WithTrigger labels the sync passes started with ctx.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFrom returns the trigger label of ctx, "manual" by default.
func TriggerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(triggerKey{}).(string); ok && v != "" {
		return v
	}
	return models.TriggerManual
}

// SyncEngine turns unsynced queue records into confirmed remote state.
// Each kind is submitted as one batch and marked synced only after the
// remote call succeeds.
type SyncEngine struct {
	store    domain.QueueStore
	remote   domain.RemoteAPI
	lock     domain.SyncLock
	eventBus domain.EventPublisher
	lockTTL  time.Duration
	owner    string
	logger   *zerolog.Logger

	flights singleflight.Group
}

// NewSyncEngine builds an engine. lock and eventBus may be nil.
func NewSyncEngine(
	store domain.QueueStore,
	api domain.RemoteAPI,
	lock domain.SyncLock,
	eventBus domain.EventPublisher,
	lockTTL time.Duration,
	logger *zerolog.Logger,
) *SyncEngine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if lockTTL <= 0 {
		lockTTL = models.DefaultLockTTL
	}
	return &SyncEngine{
		store:    store,
		remote:   api,
		lock:     lock,
		eventBus: eventBus,
		lockTTL:  lockTTL,
		owner:    uuid.NewString(),
		logger:   logger,
	}
}

// SyncPendingAttendance submits all unsynced attendance records as one batch.
func (e *SyncEngine) SyncPendingAttendance(ctx context.Context) models.BatchResult {
	return e.syncKind(ctx, models.KindAttendance)
}

// SyncPendingLocations submits all unsynced GPS pings as one batch.
func (e *SyncEngine) SyncPendingLocations(ctx context.Context) models.BatchResult {
	return e.syncKind(ctx, models.KindLocation)
}

// SyncPendingRequests replays queued requests oldest first, one per call.
func (e *SyncEngine) SyncPendingRequests(ctx context.Context) models.BatchResult {
	return e.syncKind(ctx, models.KindRequest)
}

// SyncAllPending runs every kind in order. A failed kind does not affect the
// others. Every trigger source goes through here.
func (e *SyncEngine) SyncAllPending(ctx context.Context) models.SyncAllResult {
	trigger := TriggerFrom(ctx)
	start := time.Now()
	metrics.IncSyncRun(trigger)

	res := models.SyncAllResult{
		Attendance: e.SyncPendingAttendance(ctx),
		Locations:  e.SyncPendingLocations(ctx),
		Requests:   e.SyncPendingRequests(ctx),
	}

	for _, kind := range models.Kinds {
		r := res.ByKind(kind)
		metrics.AddSyncRecords(string(kind), "synced", r.Synced)
		metrics.AddSyncRecords(string(kind), "failed", r.Failed)
	}
	e.refreshPendingGauge(ctx)

	errs := res.Errors()
	e.logger.Info().
		Str("trigger", trigger).
		Int("synced", res.Synced()).
		Int("failed", res.Failed()).
		Int("errors", len(errs)).
		Dur("duration", time.Since(start)).
		Msg("sync pass finished")

	e.publish(trigger, res)
	return res
}

// syncKind runs one pass per kind at a time. The pass is detached from the
// caller's cancellation so callers that joined it are not cut short; a
// caller whose context ends stops waiting and leaves the pass running.
func (e *SyncEngine) syncKind(ctx context.Context, kind models.RecordKind) models.BatchResult {
	// Перекрывающиеся вызовы одного вида получают результат одного прохода
	ch := e.flights.DoChan(string(kind), func() (interface{}, error) {
		return e.runPass(context.WithoutCancel(ctx), kind), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			e.logger.Debug().Str("kind", string(kind)).Msg("joined in-flight sync pass")
		}
		return r.Val.(models.BatchResult)
	case <-ctx.Done():
		e.logger.Debug().Str("kind", string(kind)).Msg("stopped waiting for sync pass")
		return models.BatchResult{
			Failed: e.countUnsynced(context.WithoutCancel(ctx), kind, 0),
			Err:    ctx.Err(),
		}
	}
}

func (e *SyncEngine) runPass(ctx context.Context, kind models.RecordKind) (res models.BatchResult) {
	log := e.logger.With().Str("kind", string(kind)).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sync pass panicked")
			res = models.BatchResult{Failed: e.countUnsynced(ctx, kind, res.Failed), Err: fmt.Errorf("sync %s: panic: %v", kind, r)}
		}
	}()

	held := false
	if e.lock != nil {
		ok, err := e.lock.TryLock(ctx, string(kind), e.owner, e.lockTTL)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("sync lock unavailable, continuing without it")
		case !ok:
			log.Debug().Msg("another process holds the sync lock")
			return models.BatchResult{Skipped: true, Failed: e.countUnsynced(ctx, kind, 0)}
		default:
			held = true
			defer func() {
				if err := e.lock.Unlock(context.WithoutCancel(ctx), string(kind), e.owner); err != nil {
					log.Warn().Err(err).Msg("failed to release sync lock")
				}
			}()
		}
	}

	all, err := e.store.GetAll(ctx, kind)
	if err != nil {
		log.Error().Err(err).Msg("failed to read queue")
		return models.BatchResult{Err: err}
	}

	pending := make([]models.QueueRecord, 0, len(all))
	for _, rec := range all {
		if !rec.Synced {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return models.BatchResult{}
	}

	if kind == models.KindRequest {
		return e.replayRequests(ctx, pending, held, log)
	}
	return e.submitBatch(ctx, kind, pending, log)
}

func (e *SyncEngine) submitBatch(ctx context.Context, kind models.RecordKind, pending []models.QueueRecord, log zerolog.Logger) models.BatchResult {
	batch, submitted, decodeErr := buildBatch(kind, pending)
	if decodeErr != nil {
		log.Error().Err(decodeErr).Msg("records with unreadable payload left in queue")
	}
	if len(submitted) == 0 {
		return models.BatchResult{Failed: len(pending), Err: decodeErr}
	}

	var err error
	switch b := batch.(type) {
	case []models.AttendanceSyncRecord:
		err = e.remote.SyncAttendance(ctx, b)
	case []models.LocationSyncRecord:
		err = e.remote.SyncLocations(ctx, b)
	}

	if err != nil {
		// Ни одна запись не помечается при ошибке пакета
		failed := e.countUnsynced(ctx, kind, len(pending))
		log.Warn().Err(err).Int("batch", len(submitted)).Int("pending", failed).Msg("batch submit failed")
		return models.BatchResult{Failed: failed, Err: err}
	}

	synced, markErr := e.markSynced(ctx, submitted, log)
	failed := len(pending) - synced
	log.Info().Int("synced", synced).Msg("batch submitted")
	return models.BatchResult{Synced: synced, Failed: failed, Err: errors.Join(decodeErr, markErr)}
}

func buildBatch(kind models.RecordKind, pending []models.QueueRecord) (interface{}, []models.QueueRecord, error) {
	var (
		submitted = make([]models.QueueRecord, 0, len(pending))
		errs      []error
	)

	switch kind {
	case models.KindAttendance:
		batch := make([]models.AttendanceSyncRecord, 0, len(pending))
		for _, rec := range pending {
			var p models.AttendancePayload
			if err := rec.Decode(&p); err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
				continue
			}
			batch = append(batch, models.AttendanceSyncRecord{ClientID: rec.ID, Timestamp: rec.Timestamp, AttendancePayload: p})
			submitted = append(submitted, rec)
		}
		return batch, submitted, errors.Join(errs...)
	case models.KindLocation:
		batch := make([]models.LocationSyncRecord, 0, len(pending))
		for _, rec := range pending {
			var p models.LocationPayload
			if err := rec.Decode(&p); err != nil {
				errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
				continue
			}
			batch = append(batch, models.LocationSyncRecord{
				ClientID:   rec.ID,
				DispatchID: p.DispatchID,
				Latitude:   p.Latitude,
				Longitude:  p.Longitude,
				Timestamp:  rec.Timestamp,
			})
			submitted = append(submitted, rec)
		}
		return batch, submitted, errors.Join(errs...)
	default:
		return nil, nil, fmt.Errorf("no batch endpoint for %s", kind)
	}
}

// replayRequests sends each queued request on its own. A request that fails
// stays pending; auth, timeout and network failures stop the pass since the
// remaining requests would fail the same way. A held lock is extended before
// every request after the first, and losing it stops the pass.
func (e *SyncEngine) replayRequests(ctx context.Context, pending []models.QueueRecord, held bool, log zerolog.Logger) models.BatchResult {
	var (
		synced int
		errs   []error
	)

	for i, rec := range pending {
		if held && i > 0 {
			if err := e.extendLock(ctx, models.KindRequest, log); err != nil {
				errs = append(errs, err)
				break
			}
		}

		var p models.RequestPayload
		if err := rec.Decode(&p); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			continue
		}

		if err := e.remote.Replay(ctx, rec.ID, p); err != nil {
			log.Warn().Err(err).Str("id", rec.ID).Str("method", p.Method).Str("url", p.URL).Msg("replay failed")
			errs = append(errs, err)
			if stopsPass(err) {
				break
			}
			continue
		}

		n, err := e.markSynced(ctx, []models.QueueRecord{rec}, log)
		synced += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	res := models.BatchResult{Synced: synced, Err: errors.Join(errs...)}
	if res.Err != nil {
		res.Failed = e.countUnsynced(ctx, models.KindRequest, len(pending)-synced)
	}
	return res
}

func (e *SyncEngine) extendLock(ctx context.Context, kind models.RecordKind, log zerolog.Logger) error {
	ok, err := e.lock.Extend(ctx, string(kind), e.owner, e.lockTTL)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("failed to extend sync lock, continuing without it")
		return nil
	case !ok:
		log.Warn().Msg("sync lock lost, stopping replay")
		return errLockLost
	}
	return nil
}

func stopsPass(err error) bool {
	return errors.Is(err, remote.ErrSessionExpired) ||
		errors.Is(err, remote.ErrTimeout) ||
		errors.Is(err, remote.ErrNetwork) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// markSynced flips records one Put at a time. A record whose Put fails stays
// pending and is submitted again by a later pass.
func (e *SyncEngine) markSynced(ctx context.Context, records []models.QueueRecord, log zerolog.Logger) (int, error) {
	var (
		marked int
		errs   []error
	)
	for _, rec := range records {
		rec.Synced = true
		if err := e.store.Put(ctx, rec); err != nil {
			log.Error().Err(err).Str("id", rec.ID).Msg("failed to mark record synced")
			errs = append(errs, err)
			continue
		}
		marked++
	}
	return marked, errors.Join(errs...)
}

func (e *SyncEngine) countUnsynced(ctx context.Context, kind models.RecordKind, fallback int) int {
	pending, err := e.store.GetUnsynced(ctx, kind)
	if err != nil {
		return fallback
	}
	return len(pending)
}

func (e *SyncEngine) refreshPendingGauge(ctx context.Context) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return
	}
	for _, kind := range models.Kinds {
		metrics.SetPending(string(kind), stats[kind.Collection()].Pending)
	}
}

func (e *SyncEngine) publish(trigger string, res models.SyncAllResult) {
	if e.eventBus == nil {
		return
	}

	errs := res.Errors()
	payload := events.SyncPayload{
		Trigger: trigger,
		Synced:  res.Synced(),
		Failed:  res.Failed(),
		ByKind: map[string]int{
			models.KindAttendance.Collection(): res.Attendance.Synced,
			models.KindLocation.Collection():   res.Locations.Synced,
			models.KindRequest.Collection():    res.Requests.Synced,
		},
		Retryable:  NeedsRetry(res),
		FinishedAt: time.Now(),
	}
	for _, err := range errs {
		payload.Errors = append(payload.Errors, err.Error())
	}

	if res.Synced() > 0 {
		_ = e.eventBus.PublishJSON(events.EventSyncCompleted, payload)
	}
	if len(errs) > 0 {
		_ = e.eventBus.PublishJSON(events.EventSyncFailed, payload)
	}
	for _, err := range errs {
		if errors.Is(err, remote.ErrSessionExpired) {
			_ = e.eventBus.PublishJSON(events.EventAuthExpired, payload)
			break
		}
	}
}

// NeedsRetry reports whether a later pass without user action may deliver
// what this one could not.
func NeedsRetry(res models.SyncAllResult) bool {
	for _, err := range res.Errors() {
		if remote.IsRetryable(err) {
			return true
		}
	}
	return false
}
