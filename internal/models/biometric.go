package models

// BiometricEntry caches capture templates for one worker.
type BiometricEntry struct {
	WorkerID            string  `json:"worker_id"`
	FaceEncoding        *string `json:"face_encoding,omitempty"`
	FingerprintTemplate *string `json:"fingerprint_template,omitempty"`
	Timestamp           int64   `json:"timestamp"`
}
