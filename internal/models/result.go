package models

// BatchResult is the outcome of one sync pass over a record kind.
type BatchResult struct {
	Synced  int   `json:"synced"`
	Failed  int   `json:"failed"`
	Skipped bool  `json:"skipped,omitempty"`
	Err     error `json:"-"`
}

// Error returns the error text or "".
func (r BatchResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// SyncAllResult combines the per-kind results of one full pass.
type SyncAllResult struct {
	Attendance BatchResult `json:"attendance"`
	Locations  BatchResult `json:"locations"`
	Requests   BatchResult `json:"requests"`
}

// Synced returns the number of records confirmed in this pass.
func (r SyncAllResult) Synced() int {
	return r.Attendance.Synced + r.Locations.Synced + r.Requests.Synced
}

// Failed returns the number of records still pending after a failed batch.
func (r SyncAllResult) Failed() int {
	return r.Attendance.Failed + r.Locations.Failed + r.Requests.Failed
}

// Errors returns the non-nil per-kind errors.
func (r SyncAllResult) Errors() []error {
	var errs []error
	for _, res := range []BatchResult{r.Attendance, r.Locations, r.Requests} {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// ByKind returns the result for kind.
func (r SyncAllResult) ByKind(kind RecordKind) BatchResult {
	switch kind {
	case KindAttendance:
		return r.Attendance
	case KindLocation:
		return r.Locations
	default:
		return r.Requests
	}
}

// KindStats counts records of one kind.
type KindStats struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// PendingStats maps collection name to counts.
type PendingStats map[string]KindStats

// TotalPending sums pending records across kinds.
func (s PendingStats) TotalPending() int {
	total := 0
	for _, k := range s {
		total += k.Pending
	}
	return total
}
