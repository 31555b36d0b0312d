package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTimeout is returned when a request exceeds the client timeout.
	ErrTimeout = errors.New("remote request timed out")
	// ErrNetwork wraps transport failures: DNS, refused connections, resets.
	ErrNetwork = errors.New("remote network failure")
	// ErrSessionExpired is returned on HTTP 401 or a locally expired token.
	// Local auth state has already been cleared when it is returned.
	ErrSessionExpired = errors.New("session expired")
)

// HTTPError is a non-2xx response other than 401.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote api: http %d", e.Status)
	}
	return fmt.Sprintf("remote api: http %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether a later attempt of the same call may succeed
// without user action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionExpired) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusRequestTimeout, httpErr.Status == http.StatusTooManyRequests:
			return true
		case httpErr.Status >= 500:
			return true
		default:
			return false
		}
	}
	return false
}
