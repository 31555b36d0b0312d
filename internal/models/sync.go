package models

// AttendanceSyncRecord is one element of the attendance batch body.
// ClientID is the local record id and lets the server drop replays.
type AttendanceSyncRecord struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	AttendancePayload
}

// LocationSyncRecord is one element of the GPS batch body.
type LocationSyncRecord struct {
	ClientID   string  `json:"client_id"`
	DispatchID string  `json:"dispatch_id"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Timestamp  int64   `json:"timestamp"`
}

// SyncBatch is the request body of the batch endpoints.
type SyncBatch[T any] struct {
	Records []T `json:"records"`
}
