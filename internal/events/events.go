package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventRecordQueued        = "record_queued"
	EventSyncCompleted       = "sync_completed"
	EventSyncFailed          = "sync_failed"
	EventAuthExpired         = "auth_expired"
	EventConnectivityChanged = "connectivity_changed"
	EventApprovalRequired    = "approval_required"
)

// RecordQueuedPayload describes a record that was just persisted.
type RecordQueuedPayload struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncPayload summarizes one sync pass.
type SyncPayload struct {
	Trigger    string         `json:"trigger"`
	Synced     int            `json:"synced"`
	Failed     int            `json:"failed"`
	ByKind     map[string]int `json:"by_kind,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Retryable  bool           `json:"retryable"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ConnectivityPayload reports a network state transition.
type ConnectivityPayload struct {
	Online bool   `json:"online"`
	Source string `json:"source"`
}

// ApprovalPayload is a business event that needs a supervisor.
type ApprovalPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out interface{}) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	seq         int64
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.Lock()
	b.seq++
	if event.ID == 0 {
		event.ID = b.seq
	}
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
