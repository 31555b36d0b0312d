package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldsync/internal/events"

	"github.com/rs/zerolog"
)

const (
	KindSyncCompleted    = "sync_completed"
	KindAuthExpired      = "auth_expired"
	KindApprovalRequired = "approval_required"
)

const (
	deliveryTimeout = 30 * time.Second
	queueSize       = 64
)

// Notification is a user-facing message.
type Notification struct {
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Sink delivers notifications to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to its sinks. It only observes sync
// outcomes and never feeds back into them: events bound with Bind are queued
// and delivered by a single goroutine, so a slow sink never holds up the
// publisher.
type Notifier struct {
	logger *zerolog.Logger

	mu     sync.RWMutex
	sinks  []Sink
	queue  chan Notification
	done   chan struct{}
	closed bool
}

func NewNotifier(logger *zerolog.Logger, sinks ...Sink) *Notifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Notifier{logger: logger, sinks: sinks}
}

func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
}

// Sinks returns the names of the configured sinks.
func (n *Notifier) Sinks() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify delivers to every sink and returns the joined sink errors.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}

	n.mu.RLock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn().Err(err).Str("kind", note.Kind).Msg("notification delivery failed")
	}
	return err
}

// Bind converts sync and business events into notifications and starts the
// delivery goroutine. Call Close to stop it.
func (n *Notifier) Bind(bus *events.EventBus) {
	n.mu.Lock()
	if n.queue == nil && !n.closed {
		n.queue = make(chan Notification, queueSize)
		n.done = make(chan struct{})
		go n.run(n.queue, n.done)
	}
	n.mu.Unlock()

	bus.Subscribe(events.EventSyncCompleted, func(e *events.Event) error {
		var p events.SyncPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.enqueue(Notification{
			Kind:  KindSyncCompleted,
			Title: "Sync complete",
			Body:  fmt.Sprintf("%d records synced", p.Synced),
			Data: map[string]string{
				"trigger": p.Trigger,
			},
		})
		return nil
	})

	bus.Subscribe(events.EventAuthExpired, func(*events.Event) error {
		n.enqueue(Notification{
			Kind:  KindAuthExpired,
			Title: "Session expired",
			Body:  "Sign in again to resume syncing",
		})
		return nil
	})

	bus.Subscribe(events.EventApprovalRequired, func(e *events.Event) error {
		var p events.ApprovalPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		note := Notification{Kind: KindApprovalRequired, Title: p.Title, Body: p.Message}
		if p.Ref != "" {
			note.Data = map[string]string{"ref": p.Ref}
		}
		n.enqueue(note)
		return nil
	})
}

// Close stops accepting bound notifications and waits until the queued ones
// are delivered.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	done := n.done
	if n.queue != nil {
		close(n.queue)
	}
	n.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (n *Notifier) enqueue(note Notification) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed || n.queue == nil {
		n.logger.Debug().Str("kind", note.Kind).Msg("notifier closed, notification dropped")
		return
	}
	select {
	case n.queue <- note:
	default:
		n.logger.Warn().Str("kind", note.Kind).Msg("notification queue full, dropping")
	}
}

func (n *Notifier) run(queue <-chan Notification, done chan<- struct{}) {
	defer close(done)
	for note := range queue {
		n.deliver(note)
	}
}

func (n *Notifier) deliver(note Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	_ = n.Notify(ctx, note)
}
