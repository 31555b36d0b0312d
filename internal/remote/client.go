package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

// Client calls the farm back office API. Every request carries the bearer
// token and is bounded by a fixed timeout.
type Client struct {
	baseURL    string
	baseHost   string
	probePath  string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     domain.TokenStore
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	token string
}

// NewClient builds a client and loads the persisted token. A token store
// that cannot be read leaves the client without a session.
func NewClient(ctx context.Context, cfg config.RemoteConfig, tokens domain.TokenStore, logger *zerolog.Logger) *Client {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "remote").Logger()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = models.DefaultRequestTimeout
	}
	probePath := cfg.ProbePath
	if probePath == "" {
		probePath = "/api/health"
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		probePath:  probePath,
		timeout:    timeout,
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     l,
		now:        time.Now,
	}

	if u, err := url.Parse(c.baseURL); err == nil {
		c.baseHost = strings.ToLower(u.Scheme + "://" + u.Host)
	}

	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	if tokens != nil {
		token, err := tokens.LoadToken(ctx)
		if err != nil {
			l.Warn().Err(err).Msg("failed to load persisted token")
		}
		c.token = token
	}

	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces and persists the bearer token.
func (c *Client) SetToken(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	if c.tokens == nil {
		return nil
	}
	if err := c.tokens.SaveToken(ctx, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// ClearSession drops the token and all persisted auth state.
func (c *Client) ClearSession(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if c.tokens == nil {
		return nil
	}
	if err := c.tokens.ClearAuth(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear persisted auth state")
		return err
	}
	return nil
}

// SyncAttendance submits one attendance batch.
func (c *Client) SyncAttendance(ctx context.Context, records []models.AttendanceSyncRecord) error {
	body := models.SyncBatch[models.AttendanceSyncRecord]{Records: records}
	return c.doPost(ctx, "/api/attendance/sync", body, nil)
}

// SyncLocations submits one GPS batch.
func (c *Client) SyncLocations(ctx context.Context, records []models.LocationSyncRecord) error {
	body := models.SyncBatch[models.LocationSyncRecord]{Records: records}
	return c.doPost(ctx, "/api/gps/sync", body, nil)
}

// Replay sends a queued request. The record id goes out as Idempotency-Key.
func (c *Client) Replay(ctx context.Context, idempotencyKey string, queued models.RequestPayload) error {
	method := strings.ToUpper(queued.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(queued.Data) > 0 {
		body = bytes.NewReader(queued.Data)
	}

	return c.do(ctx, method, queued.URL, body, func(req *http.Request) {
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
	}, nil)
}

// Ping calls the health endpoint. Any response below 500 means the API is
// reachable; auth state is not touched.
func (c *Client) Ping(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.resolve(c.probePath), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, reqCtx, http.MethodGet, c.probePath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 500 {
		return &HTTPError{Status: resp.StatusCode}
	}
	return nil
}

func (c *Client) doPost(ctx context.Context, path string, in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), func(req *http.Request) {
		req.Header.Set("Content-Type", "application/json")
	}, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, prepare func(*http.Request), out any) error {
	if err := c.checkTokenExpiry(ctx); err != nil {
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.resolve(path), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	own := c.ownHost(req.URL)
	if own {
		c.addHeaders(req)
	}
	if prepare != nil {
		prepare(req)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, reqCtx, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote call")

	// 401 от чужого хоста не завершает нашу сессию
	if resp.StatusCode == http.StatusUnauthorized && own {
		_ = c.ClearSession(ctx)
		return ErrSessionExpired
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if reqErr := c.transportError(ctx, reqCtx, method, path, err); errors.Is(reqErr, ErrTimeout) {
			return reqErr
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) transportError(parent, reqCtx context.Context, method, path string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		c.logger.Warn().Str("method", method).Str("path", path).Dur("timeout", c.timeout).Msg("remote call timed out")
		return fmt.Errorf("%w after %s: %s %s", ErrTimeout, c.timeout, method, path)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) addHeaders(req *http.Request) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// ownHost reports whether u points at the remote API. Only such requests
// carry the bearer token.
func (c *Client) ownHost(u *url.URL) bool {
	return c.baseHost != "" && strings.ToLower(u.Scheme+"://"+u.Host) == c.baseHost
}

// checkTokenExpiry ends the session early when the token is a JWT whose exp
// has passed. Opaque tokens are left to the server.
func (c *Client) checkTokenExpiry(ctx context.Context) error {
	token := c.Token()
	if token == "" || strings.Count(token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if c.now().Before(exp.Time) {
		return nil
	}

	c.logger.Info().Time("expired_at", exp.Time).Msg("token expired, clearing session")
	_ = c.ClearSession(ctx)
	return ErrSessionExpired
}
