package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/export"
	"fieldsync/internal/logging"
	"fieldsync/internal/notify"
	"fieldsync/internal/remote"
	"fieldsync/internal/repository"
	"fieldsync/internal/service"
	"fieldsync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// SyncContext owns every component of one agent instance. Instances share
// nothing, so several can run side by side.
type SyncContext struct {
	cfg    *config.Config
	logger zerolog.Logger

	Store      *database.Store
	Bus        *events.EventBus
	Client     *remote.Client
	Monitor    *connectivity.Monitor
	Lock       domain.SyncLock
	Engine     *worker.SyncEngine
	Trigger    *worker.Trigger
	Writer     *service.QueueWriter
	Biometrics *service.BiometricCache
	Notifier   *notify.Notifier
	Report     *export.QueueReport
	Retention  *worker.RetentionJob
	Backup     *database.BackupService

	redis    *redis.Client
	telegram *notify.TelegramSink
	http     *api.HTTPServer
	grpc     *api.GRPCServer
}

// New wires the agent from cfg. An unavailable queue store or Redis does not
// fail construction; only invalid configuration does.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*SyncContext, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &SyncContext{
		cfg:    cfg,
		logger: logger.With().Str("component", "sync-context").Logger(),
	}

	s.Store = database.NewStore(cfg.Database.Path, logger)
	if _, err := s.Store.Initialize(ctx); err != nil {
		s.logger.Error().Err(err).Msg("queue store unavailable, queue writes will fail until it opens")
	}

	s.Bus = events.NewEventBus()

	clientLogger := logging.Component(logger, "remote")
	s.Client = remote.NewClient(ctx, cfg.Remote, s.Store, &clientLogger)

	monitorLogger := logging.Component(logger, "connectivity")
	s.Monitor = connectivity.NewMonitor(s.Client, s.Bus, cfg.Sync.ProbeInterval, &monitorLogger)

	s.redis = initRedis(ctx, cfg.Redis, &s.logger)
	s.Lock = s.buildLock(logger)

	engineLogger := logging.Component(logger, "sync-engine")
	s.Engine = worker.NewSyncEngine(s.Store, s.Client, s.Lock, s.Bus, cfg.Sync.LockTTL, &engineLogger)

	triggerLogger := logging.Component(logger, "sync-trigger")
	s.Trigger = worker.NewTrigger(s.Engine, s.Monitor, cfg.Sync.Interval, worker.RetryPolicyFromConfig(cfg.Sync.Retry), &triggerLogger)
	s.Trigger.Bind(s.Bus)

	writerLogger := logging.Component(logger, "queue-writer")
	s.Writer = service.NewQueueWriter(s.Store, s.Bus, &writerLogger)
	s.Biometrics = service.NewBiometricCache(s.Store, &writerLogger)

	s.Notifier = s.buildNotifier(logger)
	s.Notifier.Bind(s.Bus)

	s.Report = export.NewQueueReport(s.Store, cfg.Exports.Path, logger)

	if cfg.Retention.Enabled {
		retentionLogger := logging.Component(logger, "retention")
		job, err := worker.NewRetentionJob(s.Store, cfg.Retention, &retentionLogger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Retention = job
	}

	if cfg.Backup.Enabled {
		s.Backup = database.NewBackupService(s.Store, cfg.Backup, logger)
	}

	if cfg.API.Enabled {
		if err := s.buildAPI(logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

func initRedis(ctx context.Context, cfg config.RedisConfig, logger *zerolog.Logger) *redis.Client {
	if cfg.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	return client
}

func (s *SyncContext) buildLock(logger *zerolog.Logger) domain.SyncLock {
	memory := repository.NewMemorySyncLock()
	if s.redis == nil {
		return memory
	}
	lockLogger := logging.Component(logger, "sync-lock")
	return repository.NewFailoverSyncLock(repository.NewRedisSyncLock(s.redis), memory, &lockLogger)
}

func (s *SyncContext) buildNotifier(logger *zerolog.Logger) *notify.Notifier {
	notifyLogger := logging.Component(logger, "notify")
	n := notify.NewNotifier(&notifyLogger, notify.NewLogSink(&notifyLogger))

	bot, err := notify.NewTelegramBot(s.cfg.Push.Telegram)
	switch {
	case errors.Is(err, notify.ErrPushDisabled):
		s.logger.Info().Msg("push key not configured, push notifications disabled")
	case err != nil:
		s.logger.Warn().Err(err).Msg("push sink init failed")
	default:
		s.telegram = notify.NewTelegramSink(bot, s.cfg.Push.Telegram.ChatIDs, &notifyLogger)
		n.AddSink(s.telegram)
	}

	if s.redis != nil {
		n.AddSink(notify.NewRedisSink(s.redis, s.cfg.Push.RedisChannel))
	}
	return n
}

func (s *SyncContext) buildAPI(logger *zerolog.Logger) error {
	deps := api.Deps{
		Queue:        s.Writer,
		Reader:       s.Store,
		Ready:        s.Store,
		Sync:         s.Trigger,
		Connectivity: s.Monitor,
		Biometrics:   s.Biometrics,
		Session:      s.Client,
		Export:       s.Report,
		Events:       s.Bus,
	}

	if s.cfg.API.HTTP.Enabled {
		s.http = api.NewHTTPServer(s.cfg.API, deps, logger)
	}
	if s.cfg.API.GRPC.Enabled {
		srv, err := api.NewGRPCServer(s.cfg.API, s.Store, logger)
		if err != nil {
			return fmt.Errorf("create grpc server: %w", err)
		}
		s.grpc = srv
	}
	return nil
}

// Start runs the background loops until ctx is done or one of them fails.
func (s *SyncContext) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.Monitor.Run(gctx) })
	g.Go(func() error { return s.Trigger.Run(gctx) })

	if s.telegram != nil {
		g.Go(func() error {
			if err := s.telegram.Register(gctx); err != nil {
				s.logger.Error().Err(err).Msg("push registration failed")
			}
			return nil
		})
	}

	if s.Retention != nil {
		g.Go(func() error { return s.Retention.Start(gctx) })
	}

	if s.Backup != nil {
		g.Go(func() error {
			s.Backup.Start(gctx)
			return nil
		})
	}

	if s.http != nil {
		g.Go(s.http.Start)
	}
	if s.grpc != nil {
		g.Go(func() error { return s.grpc.Serve(gctx) })
	}
	if s.http != nil || s.grpc != nil {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if s.grpc != nil {
				s.grpc.Shutdown(shutdownCtx)
			}
			if s.http != nil {
				return s.http.Shutdown(shutdownCtx)
			}
			return nil
		})
	}

	s.logger.Info().Msg("sync agent started")
	err := g.Wait()
	s.logger.Info().Msg("sync agent stopped")
	return err
}

// Close flushes pending notifications and releases the store and the Redis
// connection.
func (s *SyncContext) Close() error {
	if s.Notifier != nil {
		s.Notifier.Close()
	}

	var errs []error
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.redis != nil {
		if err := repository.Close(s.redis); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
