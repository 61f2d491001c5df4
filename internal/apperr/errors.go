// Package apperr defines the error taxonomy shared by the local data layer.
// Only the HTTP router turns these into status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unknown resource types, missing entities and broken relationship chains.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest indicates an unparseable payload or malformed parameters.
	ErrBadRequest = errors.New("bad request")
	// ErrStorage marks faults raised by the underlying persistence engine.
	ErrStorage = errors.New("storage error")
)

// StorageError wraps a persistence fault with the operation that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrStorage, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

// Unwrap exposes both the ErrStorage marker and the original cause.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Storage wraps err as a StorageError. Nil stays nil, and errors that already
// carry a taxonomy marker are returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NotFoundf returns a descriptive error matching ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// BadRequestf returns a descriptive error matching ErrBadRequest.
func BadRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
