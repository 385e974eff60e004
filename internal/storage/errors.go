package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignal is returned for feedback values other than +1/-1.
	ErrInvalidSignal = errors.New("signal must be +1 or -1")
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
)

// StorageError reports that the underlying medium failed. It is fatal to a
// scoring run: losing a feedback signal or a decision silently would break
// dedup and profile evolution.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func fail(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
