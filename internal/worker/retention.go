package worker

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pruner deletes synced records created before cutoff.
type Pruner interface {
	PruneSynced(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes old synced records on a cron schedule. Unsynced
// records are never touched.
type RetentionJob struct {
	store    Pruner
	schedule string
	keepDays int
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewRetentionJob(store Pruner, cfg config.RetentionConfig, logger *zerolog.Logger) (*RetentionJob, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@daily"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", schedule, err)
	}
	keep := cfg.KeepDays
	if keep <= 0 {
		keep = models.DefaultRetentionDays
	}
	return &RetentionJob{
		store:    store,
		schedule: schedule,
		keepDays: keep,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// RunOnce prunes synced records older than the retention window.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().AddDate(0, 0, -j.keepDays)
	n, err := j.store.PruneSynced(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("retention prune failed")
		return n, err
	}
	j.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("retention prune finished")
	return n, nil
}

// Start runs the schedule until ctx is done.
func (j *RetentionJob) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}

	c.Start()
	j.logger.Info().Str("schedule", j.schedule).Int("keep_days", j.keepDays).Msg("retention job started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
