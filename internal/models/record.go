package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordKind identifies one of the queued record collections.
type RecordKind string

const (
	KindAttendance RecordKind = "attendance"
	KindLocation   RecordKind = "location"
	KindRequest    RecordKind = "request"
)

// Kinds lists every queued record kind in sync order.
var Kinds = []RecordKind{KindAttendance, KindLocation, KindRequest}

// Collection returns the persisted collection name for the kind.
func (k RecordKind) Collection() string {
	switch k {
	case KindAttendance:
		return "attendance"
	case KindLocation:
		return "locations"
	case KindRequest:
		return "requests"
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k RecordKind) Valid() bool {
	return k.Collection() != ""
}

// ParseKind accepts either the kind or its collection name.
func ParseKind(raw string) (RecordKind, error) {
	for _, k := range Kinds {
		if raw == string(k) || raw == k.Collection() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown record kind: %q", raw)
}

// QueueRecord is one locally persisted unit of deferred work.
// Only Synced ever changes after the record is written.
type QueueRecord struct {
	ID        string          `json:"id"`
	Kind      RecordKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Synced    bool            `json:"synced"`
}

// CreatedAt returns the record timestamp as time.
func (r *QueueRecord) CreatedAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Decode unmarshals the payload into out.
func (r *QueueRecord) Decode(out any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("record %s has empty payload", r.ID)
	}
	return json.Unmarshal(r.Payload, out)
}

// NewRecord builds an unsynced record with a fresh id.
func NewRecord(kind RecordKind, payload any, now time.Time) (QueueRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return QueueRecord{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return QueueRecord{
		ID:        NewRecordID(now),
		Kind:      kind,
		Payload:   raw,
		Timestamp: now.UnixMilli(),
		Synced:    false,
	}, nil
}

// NewRecordID returns "<epoch-ms>-<uuid>".
func NewRecordID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

// AttendancePayload is a check-in or check-out captured on the device.
type AttendancePayload struct {
	WorkerID       string   `json:"worker_id" validate:"required"`
	CheckIn        string   `json:"check_in,omitempty" validate:"required_without=CheckOut"`
	CheckOut       string   `json:"check_out,omitempty"`
	Method         string   `json:"method,omitempty" validate:"omitempty,oneof=face fingerprint nfc manual"`
	SiteID         string   `json:"site_id,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty" validate:"omitempty,min=-90,max=90"`
	Longitude      *float64 `json:"longitude,omitempty" validate:"omitempty,min=-180,max=180"`
	FaceMatchScore *float64 `json:"face_match_score,omitempty" validate:"omitempty,min=0,max=1"`
	Notes          string   `json:"notes,omitempty"`
}

// LocationPayload is one GPS ping for a dispatch.
type LocationPayload struct {
	DispatchID string  `json:"dispatch_id" validate:"required"`
	Latitude   float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude  float64 `json:"longitude" validate:"min=-180,max=180"`
}

// RequestPayload is a generic API call deferred while offline. URL is a path
// on the remote API.
type RequestPayload struct {
	URL    string          `json:"url" validate:"required,startswith=/"`
	Method string          `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Data   json.RawMessage `json:"data,omitempty"`
}
