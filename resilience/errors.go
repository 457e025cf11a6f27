package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ExternalCallError is returned by calls to external collaborators
type ExternalCallError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

// NewExternalCallError classifies a failed call. Rate limiting, gateway
// errors, timeouts and connection resets are transient.
func NewExternalCallError(op string, statusCode int, err error) *ExternalCallError {
	return &ExternalCallError{
		Op:         op,
		StatusCode: statusCode,
		Transient:  IsTransientStatus(statusCode) || IsTransient(err),
		Err:        err,
	}
}

func (e *ExternalCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed if repeated
func (e *ExternalCallError) Retryable() bool {
	return e.Transient
}

// CircuitOpenError is returned without invoking the wrapped call while a
// breaker is open
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAfter)
}

// Retryable is true: the breaker closes again after its cooldown
func (e *CircuitOpenError) Retryable() bool {
	return true
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies an error. The outermost error exposing Retryable()
// decides; an expired deadline is retryable, a cancelled context is not, and
// anything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsTransientStatus reports HTTP statuses worth retrying
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransient reports timeouts and connection resets
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
