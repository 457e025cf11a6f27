package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/resilience"
)

var (
	// ErrSagaNotFound is returned when no saga state exists for an id
	ErrSagaNotFound = errors.New("saga not found")
	// ErrUnknownSagaType is returned for a saga type that was never registered
	ErrUnknownSagaType = errors.New("unknown saga type")
	// ErrSagaAlreadyRunning is returned when a saga is already driven, by this
	// process or by another holding a live lease
	ErrSagaAlreadyRunning = errors.New("saga is already running")
	// ErrSagaTerminal is returned when an operation needs a non-terminal saga
	ErrSagaTerminal = errors.New("saga is in a terminal state")
	// ErrSagaNotRetryable is returned by RetrySaga for sagas that did not fail or get cancelled
	ErrSagaNotRetryable = errors.New("saga can only be retried after failing or being cancelled")
	// ErrStaleState is returned when a save lost a race with another writer
	ErrStaleState = errors.New("saga state was modified concurrently")
	// ErrSagaExists is returned when creating a saga whose id is taken
	ErrSagaExists = errors.New("saga already exists")
)

// StepTimeoutError is returned when a step attempt exceeds its timeout
type StepTimeoutError struct {
	Step    string
	Timeout time.Duration
	// Abandoned is set when the attempt was still running after the grace period
	Abandoned bool
}

func (e *StepTimeoutError) Error() string {
	if e.Abandoned {
		return fmt.Sprintf("step %s timed out after %s and did not stop", e.Step, e.Timeout)
	}
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

// Retryable leaves the decision to the step policy, except for an abandoned
// attempt that may still be running
func (e *StepTimeoutError) Retryable() bool {
	return !e.Abandoned
}

// CompensationError wraps a failed compensation
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation of step %s failed: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	return resilience.Permanent(err)
}

// IsRetryable classifies a step error
func IsRetryable(err error) bool {
	return resilience.IsRetryable(err)
}

// ErrorType names the class of err for failure events and dead letters
func ErrorType(err error) string {
	if err == nil {
		return ""
	}

	var (
		timeout      *StepTimeoutError
		compensation *CompensationError
		storage      *eventstore.StorageError
		open         *resilience.CircuitOpenError
		external     *resilience.ExternalCallError
		typed        interface{ ErrorType() string }
	)
	switch {
	case errors.As(err, &timeout):
		return "StepTimeoutError"
	case errors.As(err, &compensation):
		return "CompensationError"
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return "ConcurrencyConflict"
	case errors.As(err, &storage):
		return "StorageError"
	case errors.As(err, &open):
		return "CircuitOpenError"
	case errors.As(err, &external):
		return "ExternalCallError"
	case errors.As(err, &typed):
		return typed.ErrorType()
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	}
	return "Error"
}
