package peloton

import (
	"fmt"
	"net/http"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
)

// ErrAuthentication is returned when login fails or a session is rejected.
var ErrAuthentication = domain.ErrAuthentication

// APIError reports a non-successful response from the remote platform.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	// Transient marks rate-limit, 5xx and transport failures that survived the retry budget.
	Transient bool
	Err       error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
