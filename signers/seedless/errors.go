package seedless

import (
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/signet"
)

// Error types for APIError.ErrorType.
const (
	ErrorTypeRateLimit   = "rate_limit"
	ErrorTypeServerError = "server_error"
	ErrorTypeAuthError   = "auth_error"
	ErrorTypeClientError = "client_error"
)

// ErrMFADeclined is returned when the user declines or fails an MFA challenge.
var ErrMFADeclined = errors.New("seedless: mfa declined")

// APIError is a non-2xx response from the signing service.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
	RequestID  string
	Retryable  bool
	// RetryAfter is parsed from the Retry-After header on 429 responses.
	RetryAfter time.Duration
	Method     string
	Path       string
	// AttemptNumber is zero-based.
	AttemptNumber int
}

func (e *APIError) Error() string {
	var msg string
	if e.RequestID != "" {
		msg = fmt.Sprintf("seedless API error [%d]: %s (RequestID: %s)", e.StatusCode, e.Message, e.RequestID)
	} else {
		msg = fmt.Sprintf("seedless API error [%d]: %s", e.StatusCode, e.Message)
	}
	if e.Method != "" && e.Path != "" {
		msg += fmt.Sprintf(" [%s %s]", e.Method, e.Path)
	}
	if e.AttemptNumber > 0 {
		msg += fmt.Sprintf(" (attempt %d)", e.AttemptNumber+1)
	}
	return msg
}

// RetryAfterDelay implements retry.RetryAfter.
func (e *APIError) RetryAfterDelay() time.Duration {
	return e.RetryAfter
}

// toSigningError maps a service failure onto the wallet error taxonomy.
func toSigningError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMFADeclined) {
		return signet.NewSigningError(signet.ErrCodeUserRejectedOnDevice, "multi-factor confirmation declined", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return signet.BackendError(err)
	}
	switch apiErr.ErrorType {
	case ErrorTypeClientError:
		return signet.NewSigningError(signet.ErrCodeInternal, "signing service rejected the request", err)
	default:
		se := signet.NewSigningError(signet.ErrCodeBackendUnavailable, "signing service unavailable", err)
		se.Retryable = apiErr.Retryable
		return se.WithDetails("status", apiErr.StatusCode)
	}
}
