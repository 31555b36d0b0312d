package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"fieldsync/internal/connectivity"
	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/service"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" is not available")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready == nil {
		unavailable(w, "queue store")
		return
	}
	if err := s.deps.Ready.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeQueued maps an enqueue outcome: 202 with the id, 400 for a rejected
// payload, 503 when the record could not be persisted.
func (s *HTTPServer) writeQueued(w http.ResponseWriter, id string, err error) {
	if err != nil {
		if errors.Is(err, service.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *HTTPServer) handleQueueAttendance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		unavailable(w, "queue")
		return
	}
	var body models.AttendancePayload
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.deps.Queue.QueueAttendance(r.Context(), body)
	s.writeQueued(w, id, err)
}

func (s *HTTPServer) handleQueueLocation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		unavailable(w, "queue")
		return
	}
	var body models.LocationPayload
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.deps.Queue.QueueLocation(r.Context(), body.DispatchID, body.Latitude, body.Longitude)
	s.writeQueued(w, id, err)
}

func (s *HTTPServer) handleQueueRequest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		unavailable(w, "queue")
		return
	}
	var body models.RequestPayload
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.deps.Queue.QueueOfflineRequest(r.Context(), body)
	s.writeQueued(w, id, err)
}

func (s *HTTPServer) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		unavailable(w, "queue")
		return
	}
	kind, err := models.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var records []models.QueueRecord
	if strings.EqualFold(r.URL.Query().Get("unsynced"), "true") {
		records, err = s.deps.Reader.GetUnsynced(r.Context(), kind)
	} else {
		records, err = s.deps.Reader.GetAll(r.Context(), kind)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "records": records})
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		unavailable(w, "queue")
		return
	}
	stats, err := s.deps.Reader.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections":   stats,
		"total_pending": stats.TotalPending(),
	})
}

func (s *HTTPServer) handleQueueExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Export == nil {
		unavailable(w, "export")
		return
	}
	path, err := s.deps.Export.Save(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("queue export failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

type batchResultView struct {
	Synced  int    `json:"synced"`
	Failed  int    `json:"failed"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

func viewBatch(r models.BatchResult) batchResultView {
	return batchResultView{Synced: r.Synced, Failed: r.Failed, Skipped: r.Skipped, Error: r.Error()}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		unavailable(w, "sync")
		return
	}
	res := s.deps.Sync.SyncNow(r.Context())

	errs := make([]string, 0)
	for _, err := range res.Errors() {
		errs = append(errs, err.Error())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"synced":     res.Synced(),
		"failed":     res.Failed(),
		"errors":     errs,
		"attendance": viewBatch(res.Attendance),
		"locations":  viewBatch(res.Locations),
		"requests":   viewBatch(res.Requests),
	})
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Connectivity == nil {
		unavailable(w, "connectivity monitor")
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}

	changed := s.deps.Connectivity.Set(*body.Online, connectivity.SourceManual)
	writeJSON(w, http.StatusOK, map[string]bool{"online": *body.Online, "changed": changed})
}

func (s *HTTPServer) handleConnectivityStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Connectivity == nil {
		unavailable(w, "connectivity monitor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Connectivity.Online()})
}

func (s *HTTPServer) handlePutBiometrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Biometrics == nil {
		unavailable(w, "biometric cache")
		return
	}
	workerID := strings.TrimSpace(r.PathValue("worker_id"))
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	var body struct {
		FaceEncoding        *string `json:"face_encoding"`
		FingerprintTemplate *string `json:"fingerprint_template"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := s.deps.Biometrics.Store(r.Context(), workerID, body.FaceEncoding, body.FingerprintTemplate); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetBiometrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Biometrics == nil {
		unavailable(w, "biometric cache")
		return
	}
	entry, err := s.deps.Biometrics.Lookup(r.Context(), r.PathValue("worker_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "worker not cached")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleSetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		unavailable(w, "session")
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.deps.Session.SetToken(r.Context(), body.Token); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		unavailable(w, "session")
		return
	}
	if err := s.deps.Session.ClearSession(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleNotification(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		unavailable(w, "notifications")
		return
	}
	var body events.ApprovalPayload
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.deps.Events.PublishJSON(events.EventApprovalRequired, body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
