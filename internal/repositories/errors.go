package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorKind categorises failures raised by the non-Firestore backends.
type StoreErrorKind string

const (
	StoreErrorNotFound    StoreErrorKind = "not_found"
	StoreErrorConflict    StoreErrorKind = "conflict"
	StoreErrorUnavailable StoreErrorKind = "unavailable"
	StoreErrorInternal    StoreErrorKind = "internal"
)

// StoreError implements RepositoryError for the memory and SQL backends.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the record was missing.
func (e *StoreError) IsNotFound() bool { return e != nil && e.Kind == StoreErrorNotFound }

// IsConflict reports whether the write lost against a uniqueness or precondition check.
func (e *StoreError) IsConflict() bool { return e != nil && e.Kind == StoreErrorConflict }

// IsUnavailable reports whether the backend could not be reached.
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

// NewStoreError builds a categorised repository error.
func NewStoreError(op string, kind StoreErrorKind, msg string) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: errors.New(msg)}
}

// WrapStoreError categorises err under kind unless it is already a RepositoryError.
func WrapStoreError(op string, kind StoreErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var repoErr RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	var invErr *InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a repository conflict error.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
