package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrTaskNotFound      = errors.New("task not found")
	ErrBoardLimitReached = errors.New("board limit reached")
	ErrTaskLimitReached  = errors.New("task limit reached")

	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrForbidden         = errors.New("forbidden")
)

// ConflictError is returned when a patch was based on a stale version. It
// carries the authoritative task so the caller can decide how to resolve.
type ConflictError struct {
	Expected int
	Current  Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected version %d, actual %d", e.Current.ID, e.Expected, e.Current.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }
