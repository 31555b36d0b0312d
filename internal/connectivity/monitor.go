package connectivity

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

const (
	SourceProbe  = "probe"
	SourceManual = "manual"
)

// Pinger reports whether the remote API answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks whether the device is online. The state is a hint: calls
// made while "online" can still fail.
type Monitor struct {
	pinger   Pinger
	eventBus domain.EventPublisher
	interval time.Duration
	logger   *zerolog.Logger

	mu      sync.RWMutex
	online  bool
	changed time.Time
}

func NewMonitor(pinger Pinger, eventBus domain.EventPublisher, interval time.Duration, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}
	return &Monitor{
		pinger:   pinger,
		eventBus: eventBus,
		interval: interval,
		logger:   logger,
	}
}

// Online returns the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Set records a new state and publishes connectivity_changed on a transition.
// It returns whether the state changed.
func (m *Monitor) Set(online bool, source string) bool {
	m.mu.Lock()
	if m.online == online && !m.changed.IsZero() {
		m.mu.Unlock()
		return false
	}
	wasKnown := !m.changed.IsZero()
	m.online = online
	m.changed = time.Now()
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Str("source", source).Msg("connectivity changed")

	// Первое офлайн-состояние при старте не считается переходом
	if !wasKnown && !online {
		return true
	}
	if m.eventBus != nil {
		if err := m.eventBus.PublishJSON(events.EventConnectivityChanged, events.ConnectivityPayload{
			Online: online,
			Source: source,
		}); err != nil {
			m.logger.Warn().Err(err).Msg("failed to publish connectivity event")
		}
	}
	return true
}

// Probe pings the remote API once and updates the state.
func (m *Monitor) Probe(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
	}
	online := err == nil
	m.Set(online, SourceProbe)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.pinger == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
