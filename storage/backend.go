package storage

import (
	"context"

	"prism-sync/domain"
)

// Backend is the narrow durable store the board layer depends on. Every
// implementation enforces the board and task ceilings and the version
// precondition atomically with the write.
type Backend interface {
	// EnsureBoard creates the board if it does not exist. It reports whether
	// it was created and returns domain.ErrBoardLimitReached when creating it
	// would exceed maxBoards.
	EnsureBoard(ctx context.Context, boardID string, maxBoards int, now int64) (bool, error)
	ListBoards(ctx context.Context) ([]domain.Board, error)
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	// GetTask returns domain.ErrTaskNotFound when the row is absent.
	GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error)
	// InsertTask returns domain.ErrTaskLimitReached when the board is full.
	InsertTask(ctx context.Context, t domain.Task, maxPerBoard int) error
	// UpdateTask replaces the row only if its stored version equals
	// expectedVersion, otherwise domain.ErrConcurrencyConflict.
	UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error
	DeleteTask(ctx context.Context, boardID, taskID string) error
	Close() error
}
