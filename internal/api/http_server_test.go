package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	res   models.SyncAllResult
	calls int
}

func (f *fakeSyncer) SyncNow(context.Context) models.SyncAllResult {
	f.calls++
	return f.res
}

type fakeConnectivity struct {
	mu     sync.Mutex
	online bool
	source string
}

func (f *fakeConnectivity) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConnectivity) Set(online bool, source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := f.online != online
	f.online, f.source = online, source
	return changed
}

type fakeSession struct {
	token   string
	cleared bool
}

func (f *fakeSession) SetToken(_ context.Context, token string) error {
	f.token = token
	return nil
}

func (f *fakeSession) ClearSession(context.Context) error {
	f.cleared = true
	f.token = ""
	return nil
}

type fakeExporter struct {
	path string
	err  error
}

func (f *fakeExporter) Save(context.Context) (string, error) {
	return f.path, f.err
}

type testEnv struct {
	ts      *httptest.Server
	store   *database.Store
	bus     *events.EventBus
	syncer  *fakeSyncer
	conn    *fakeConnectivity
	session *fakeSession
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()

	store := database.NewStore(":memory:", nil)
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewEventBus()

	env := &testEnv{
		store:   store,
		bus:     bus,
		syncer:  &fakeSyncer{},
		conn:    &fakeConnectivity{},
		session: &fakeSession{},
	}

	deps := Deps{
		Queue:        service.NewQueueWriter(store, bus, nil),
		Reader:       store,
		Ready:        store,
		Sync:         env.syncer,
		Connectivity: env.conn,
		Biometrics:   service.NewBiometricCache(store, nil),
		Session:      env.session,
		Export:       &fakeExporter{path: "exports/queue_report.xlsx"},
		Events:       bus,
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv := NewHTTPServer(config.APIConfig{Enabled: true}, deps, nil)
	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestQueueAttendanceAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	var queued []events.RecordQueuedPayload
	env.bus.Subscribe(events.EventRecordQueued, func(e *events.Event) error {
		var p events.RecordQueuedPayload
		require.NoError(t, e.Decode(&p))
		queued = append(queued, p)
		return nil
	})

	resp := env.do(t, http.MethodPost, "/v1/attendance", models.AttendancePayload{
		WorkerID: "w-1",
		CheckIn:  "2026-03-01T08:00:00Z",
		Method:   models.MethodFace,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.NotEmpty(t, body["id"])

	rec, err := env.store.Get(context.Background(), models.KindAttendance, body["id"])
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Synced)

	require.Len(t, queued, 1)
	assert.Equal(t, body["id"], queued[0].ID)
}

func TestQueueLocationAndRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/locations", models.LocationPayload{DispatchID: "d-1", Latitude: 10, Longitude: 20})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/requests", models.RequestPayload{URL: "/api/tasks/1", Method: "patch"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/queue/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Records []models.QueueRecord `json:"records"`
	}](t, resp)
	require.Len(t, list.Records, 1)

	var p models.RequestPayload
	require.NoError(t, list.Records[0].Decode(&p))
	assert.Equal(t, "PATCH", p.Method)
}

func TestQueueInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/attendance", models.AttendancePayload{CheckIn: "08:00"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/locations", map[string]any{"dispatch": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueStoreUnavailable(t *testing.T) {
	broken := database.NewStoreWithOpener(func(context.Context) (*database.DB, error) {
		return nil, errors.New("quota exceeded")
	}, nil)

	env := newTestEnv(t, func(d *Deps) {
		d.Queue = service.NewQueueWriter(broken, nil, nil)
		d.Reader = broken
		d.Ready = broken
	})

	resp := env.do(t, http.MethodPost, "/v1/attendance", models.AttendancePayload{WorkerID: "w-1", CheckIn: "08:00"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Contains(t, body["error"], "quota exceeded")

	resp = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueListAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/v1/locations", models.LocationPayload{DispatchID: "d-1", Latitude: 1, Longitude: 2})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	all, err := env.store.GetAll(ctx, models.KindLocation)
	require.NoError(t, err)
	all[0].Synced = true
	require.NoError(t, env.store.Put(ctx, all[0]))

	resp := env.do(t, http.MethodGet, "/v1/queue/locations?unsynced=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[struct {
		Records []models.QueueRecord `json:"records"`
	}](t, resp)
	assert.Len(t, list.Records, 2)

	resp = env.do(t, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[struct {
		Collections  models.PendingStats `json:"collections"`
		TotalPending int                 `json:"total_pending"`
	}](t, resp)
	assert.Equal(t, 2, stats.TotalPending)
	assert.Equal(t, 1, stats.Collections["locations"].Synced)

	resp = env.do(t, http.MethodGet, "/v1/queue/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManualSync(t *testing.T) {
	env := newTestEnv(t, nil)
	env.syncer.res = models.SyncAllResult{
		Attendance: models.BatchResult{Synced: 2},
		Locations:  models.BatchResult{Failed: 3, Err: errors.New("remote: timeout")},
	}

	resp := env.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[struct {
		Synced    int             `json:"synced"`
		Failed    int             `json:"failed"`
		Errors    []string        `json:"errors"`
		Locations batchResultView `json:"locations"`
	}](t, resp)
	assert.Equal(t, 2, body.Synced)
	assert.Equal(t, 3, body.Failed)
	assert.Equal(t, []string{"remote: timeout"}, body.Errors)
	assert.Equal(t, "remote: timeout", body.Locations.Error)
	assert.Equal(t, 1, env.syncer.calls)
}

func TestConnectivityHint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/connectivity", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]bool](t, resp)
	assert.True(t, body["changed"])
	assert.True(t, env.conn.Online())
	assert.Equal(t, "manual", env.conn.source)

	resp = env.do(t, http.MethodPost, "/v1/connectivity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/connectivity", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[map[string]bool](t, resp)["online"])
}

func TestBiometricsRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/v1/biometrics/w-9", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/v1/biometrics/w-9", map[string]string{"face_encoding": "AAEC"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/biometrics/w-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[models.BiometricEntry](t, resp)
	require.NotNil(t, entry.FaceEncoding)
	assert.Equal(t, "AAEC", *entry.FaceEncoding)
	assert.Nil(t, entry.FingerprintTemplate)
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/v1/session", map[string]string{"token": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/session", map[string]string{"token": "abc"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "abc", env.session.token)

	resp = env.do(t, http.MethodDelete, "/v1/session", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, env.session.cleared)
}

func TestNotificationPublishesApproval(t *testing.T) {
	env := newTestEnv(t, nil)

	var got []events.ApprovalPayload
	env.bus.Subscribe(events.EventApprovalRequired, func(e *events.Event) error {
		var p events.ApprovalPayload
		require.NoError(t, e.Decode(&p))
		got = append(got, p)
		return nil
	})

	resp := env.do(t, http.MethodPost, "/v1/notifications", events.ApprovalPayload{Title: "Leave request", Message: "2 days"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, got, 1)
	assert.Equal(t, "Leave request", got[0].Title)

	resp = env.do(t, http.MethodPost, "/v1/notifications", events.ApprovalPayload{Message: "no title"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/v1/queue/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "exports/queue_report.xlsx", decode[map[string]string](t, resp)["path"])

	failing := newTestEnv(t, func(d *Deps) { d.Export = &fakeExporter{err: errors.New("disk full")} })
	resp = failing.do(t, http.MethodGet, "/v1/queue/export", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestMissingDependencyIsUnavailable(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Sync = nil
		d.Session = nil
	})

	resp := env.do(t, http.MethodPost, "/v1/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/v1/session", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "trace-1", resp.Header.Get("X-Request-ID"))
}
