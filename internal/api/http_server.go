package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Enqueuer interface {
	QueueAttendance(ctx context.Context, payload models.AttendancePayload) (string, error)
	QueueLocation(ctx context.Context, dispatchID string, lat, lon float64) (string, error)
	QueueOfflineRequest(ctx context.Context, req models.RequestPayload) (string, error)
}

type QueueReader interface {
	GetAll(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error)
	GetUnsynced(ctx context.Context, kind models.RecordKind) ([]models.QueueRecord, error)
	Stats(ctx context.Context) (models.PendingStats, error)
}

type Readiness interface {
	Ping(ctx context.Context) error
}

type ManualSyncer interface {
	SyncNow(ctx context.Context) models.SyncAllResult
}

type ConnectivityHint interface {
	Online() bool
	Set(online bool, source string) bool
}

type Biometrics interface {
	Store(ctx context.Context, workerID string, faceEncoding, fingerprintTemplate *string) error
	Lookup(ctx context.Context, workerID string) (*models.BiometricEntry, error)
}

type SessionManager interface {
	SetToken(ctx context.Context, token string) error
	ClearSession(ctx context.Context) error
}

type Exporter interface {
	Save(ctx context.Context) (string, error)
}

// Deps are the agent components behind the local API. Nil members disable
// their routes with 503.
type Deps struct {
	Queue        Enqueuer
	Reader       QueueReader
	Ready        Readiness
	Sync         ManualSyncer
	Connectivity ConnectivityHint
	Biometrics   Biometrics
	Session      SessionManager
	Export       Exporter
	Events       domain.EventPublisher
}

// HTTPServer exposes the agent to the field application on localhost.
type HTTPServer struct {
	cfg    config.APIConfig
	deps   Deps
	server *http.Server
	auth   *HTTPAuth
	logger zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http-api").Logger()
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: l}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("GET /readyz", srv.handleReady)

	mux.HandleFunc("POST /v1/attendance", srv.handleQueueAttendance)
	mux.HandleFunc("POST /v1/locations", srv.handleQueueLocation)
	mux.HandleFunc("POST /v1/requests", srv.handleQueueRequest)

	mux.HandleFunc("GET /v1/queue/stats", srv.handleQueueStats)
	mux.HandleFunc("GET /v1/queue/export", srv.handleQueueExport)
	mux.HandleFunc("GET /v1/queue/{kind}", srv.handleQueueList)

	mux.HandleFunc("POST /v1/sync", srv.handleSync)
	mux.HandleFunc("POST /v1/connectivity", srv.handleConnectivity)
	mux.HandleFunc("GET /v1/connectivity", srv.handleConnectivityStatus)

	mux.HandleFunc("PUT /v1/biometrics/{worker_id}", srv.handlePutBiometrics)
	mux.HandleFunc("GET /v1/biometrics/{worker_id}", srv.handleGetBiometrics)

	mux.HandleFunc("POST /v1/session", srv.handleSetSession)
	mux.HandleFunc("DELETE /v1/session", srv.handleClearSession)

	mux.HandleFunc("POST /v1/notifications", srv.handleNotification)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Ручная синхронизация может идти до таймаута удалённого API
		WriteTimeout: 3 * models.DefaultRequestTimeout,
	}

	return srv
}

// Handler returns the full middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
