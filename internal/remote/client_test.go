package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memTokens struct {
	mu      sync.Mutex
	token   string
	cleared int
	loadErr error
}

func (m *memTokens) LoadToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.loadErr
}

func (m *memTokens) SaveToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *memTokens) ClearAuth(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.cleared++
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens *memTokens, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(context.Background(), config.RemoteConfig{BaseURL: srv.URL + "/", Timeout: timeout}, tokens, nil)
}

func TestClient_SyncAttendance(t *testing.T) {
	tokens := &memTokens{token: "opaque-token"}

	var (
		gotAuth string
		gotPath string
		gotBody models.SyncBatch[models.AttendanceSyncRecord]
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}, tokens, 0)

	err := c.SyncAttendance(context.Background(), []models.AttendanceSyncRecord{{
		ClientID:          "1-a",
		Timestamp:         1,
		AttendancePayload: models.AttendancePayload{WorkerID: "W1", CheckIn: "2025-01-01T09:00:00Z"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer opaque-token", gotAuth)
	assert.Equal(t, "/api/attendance/sync", gotPath)
	require.Len(t, gotBody.Records, 1)
	assert.Equal(t, "1-a", gotBody.Records[0].ClientID)
	assert.Equal(t, "W1", gotBody.Records[0].WorkerID)
	assert.Equal(t, models.DefaultRequestTimeout, c.timeout)
}

func TestClient_SyncLocationsBody(t *testing.T) {
	var raw map[string][]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/gps/sync", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}, &memTokens{}, 0)

	err := c.SyncLocations(context.Background(), []models.LocationSyncRecord{{
		ClientID: "1-b", DispatchID: "DISPATCH-1", Latitude: 12.34, Longitude: 56.78, Timestamp: 5,
	}})
	require.NoError(t, err)

	require.Len(t, raw["records"], 1)
	rec := raw["records"][0]
	assert.Equal(t, "DISPATCH-1", rec["dispatch_id"])
	assert.Equal(t, 12.34, rec["latitude"])
	assert.Equal(t, 56.78, rec["longitude"])
	assert.Equal(t, float64(5), rec["timestamp"])
	assert.Equal(t, "1-b", rec["client_id"])
}

func TestClient_NoTokenNoHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	}, &memTokens{}, 0)
	require.NoError(t, c.SyncLocations(context.Background(), nil))
}

func TestClient_UnauthorizedClearsSession(t *testing.T) {
	tokens := &memTokens{token: "stale"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens, 0)

	err := c.SyncAttendance(context.Background(), nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, IsRetryable(err))
	assert.Empty(t, c.Token())
	assert.Equal(t, 1, tokens.cleared)
}

func TestClient_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}, &memTokens{token: "t"}, 0)

	err := c.SyncAttendance(context.Background(), nil)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.Status)
	assert.Equal(t, "validation failed", httpErr.Body)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, "t", c.Token())
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, &memTokens{}, 50*time.Millisecond)
	defer close(release)

	err := c.SyncLocations(context.Background(), nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.True(t, IsRetryable(err))
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(context.Background(), config.RemoteConfig{BaseURL: url}, &memTokens{}, nil)
	err := c.SyncAttendance(context.Background(), nil)
	require.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestClient_CanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, &memTokens{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SyncAttendance(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ExpiredJWT(t *testing.T) {
	var calls int
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "worker",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tokens := &memTokens{token: expired}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ }, tokens, 0)

	err = c.SyncAttendance(context.Background(), nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, calls)
	assert.Equal(t, 1, tokens.cleared)
}

func TestClient_ValidJWT(t *testing.T) {
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+valid, r.Header.Get("Authorization"))
	}, &memTokens{token: valid}, 0)
	require.NoError(t, c.SyncAttendance(context.Background(), nil))
}

func TestClient_Replay(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotKey    string
		gotBody   string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusCreated)
	}, &memTokens{token: "t"}, 0)

	err := c.Replay(context.Background(), "1-req", models.RequestPayload{
		URL:    "api/harvest",
		Method: "patch",
		Data:   json.RawMessage(`{"crates":4}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/api/harvest", gotPath)
	assert.Equal(t, "1-req", gotKey)
	assert.JSONEq(t, `{"crates":4}`, gotBody)
}

func TestClient_ReplayForeignHostGetsNoToken(t *testing.T) {
	var (
		foreignAuth atomic.Value
		foreignHits atomic.Int32
	)
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignHits.Add(1)
		foreignAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer foreign.Close()

	tokens := &memTokens{token: "secret-token"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, tokens, 0)

	err := c.Replay(context.Background(), "1-req", models.RequestPayload{URL: foreign.URL + "/collect", Method: "POST"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.NotErrorIs(t, err, ErrSessionExpired)

	assert.Equal(t, int32(1), foreignHits.Load())
	assert.Equal(t, "", foreignAuth.Load())
	assert.Equal(t, "secret-token", c.Token())
	assert.Zero(t, tokens.cleared)
}

func TestClient_Ping(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	tokens := &memTokens{token: "t"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}, tokens, 0)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "t", c.Token())

	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, c.Ping(context.Background()))
}

func TestClient_TokenLifecycle(t *testing.T) {
	tokens := &memTokens{loadErr: errors.New("store unavailable")}
	c := NewClient(context.Background(), config.RemoteConfig{BaseURL: "http://example.invalid"}, tokens, nil)
	assert.Empty(t, c.Token())

	tokens.loadErr = nil
	require.NoError(t, c.SetToken(context.Background(), "fresh"))
	assert.Equal(t, "fresh", c.Token())
	assert.Equal(t, "fresh", tokens.token)

	require.NoError(t, c.ClearSession(context.Background()))
	assert.Empty(t, c.Token())
	assert.Empty(t, tokens.token)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"session", ErrSessionExpired, false},
		{"timeout", ErrTimeout, true},
		{"network", ErrNetwork, true},
		{"server error", &HTTPError{Status: 502}, true},
		{"too many requests", &HTTPError{Status: 429}, true},
		{"bad request", &HTTPError{Status: 400}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
