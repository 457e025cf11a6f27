package eventstore

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrConcurrencyConflict is returned when an append collides with a version
// already present for the aggregate
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ConflictError describes a version collision on append
type ConflictError struct {
	AggregateID     string
	AggregateType   string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s/%s expected version %d, stream is at %d",
		ErrConcurrencyConflict, e.AggregateType, e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// Retryable reports that a reload-and-retry can succeed
func (e *ConflictError) Retryable() bool {
	return true
}

// StorageError wraps a persistence failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable reports that storage failures are treated as transient
func (e *StorageError) Retryable() bool {
	return true
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
