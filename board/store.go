// Package board owns the authoritative task state: lazy board creation, task
// creation under the board and task ceilings, and optimistic version checked
// patches.
package board

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"prism-sync/domain"
	"prism-sync/storage"
)

const tracerName = "prism-sync/board"

// PatchResult carries both sides of an accepted mutation.
type PatchResult struct {
	Before domain.Task
	After  domain.Task
}

// Store is safe for concurrent use. It holds no locks: concurrent writers are
// arbitrated by the backend's version precondition.
type Store struct {
	backend   storage.Backend
	maxBoards int
	maxTasks  int
	clock     clock.Clock
	newID     func() string
}

// NewStore builds a Store. A nil clock uses wall time.
func NewStore(backend storage.Backend, maxBoards, maxTasksPerBoard int, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		backend:   backend,
		maxBoards: maxBoards,
		maxTasks:  maxTasksPerBoard,
		clock:     clk,
		newID:     uuid.NewString,
	}
}

func (s *Store) now() int64 { return s.clock.Now().UnixMilli() }

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks the span failed only for unexpected errors. Limits, missing
// rows and conflicts are protocol outcomes.
func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, domain.ErrConcurrencyConflict):
		span.SetAttributes(attribute.Bool("board.conflict", true))
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrBoardLimitReached),
		errors.Is(err, domain.ErrTaskLimitReached):
		span.SetAttributes(attribute.String("board.outcome", err.Error()))
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Snapshot returns the board's tasks, creating the board on first reference.
// created reports whether this call created it. It returns
// domain.ErrBoardLimitReached when the board is new and the global cap is hit.
func (s *Store) Snapshot(ctx context.Context, boardID string) (tasks []domain.Task, created bool, err error) {
	ctx, span := startSpan(ctx, "board.snapshot", attribute.String("board.id", boardID))
	defer func() { endSpan(span, err) }()

	created, err = s.backend.EnsureBoard(ctx, boardID, s.maxBoards, s.now())
	if err != nil {
		return nil, false, err
	}
	tasks, err = s.backend.ListTasks(ctx, boardID)
	if err != nil {
		return nil, created, fmt.Errorf("list tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("board.tasks", len(tasks)), attribute.Bool("board.created", created))
	return tasks, created, nil
}

// Create adds a task at version 0 with status todo. boardCreated reports
// whether the board did not exist before.
func (s *Store) Create(ctx context.Context, boardID, title, description, createdBy string) (task domain.Task, boardCreated bool, err error) {
	ctx, span := startSpan(ctx, "board.create", attribute.String("board.id", boardID))
	defer func() { endSpan(span, err) }()

	now := s.now()
	if boardCreated, err = s.backend.EnsureBoard(ctx, boardID, s.maxBoards, now); err != nil {
		return domain.Task{}, false, err
	}
	task = domain.Task{
		ID:          s.newID(),
		BoardID:     boardID,
		Title:       title,
		Description: description,
		Status:      domain.StatusTodo,
		Version:     0,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("task.id", task.ID))
	if err = s.backend.InsertTask(ctx, task, s.maxTasks); err != nil {
		return domain.Task{}, boardCreated, err
	}
	return task, boardCreated, nil
}

// Get returns domain.ErrTaskNotFound when the task does not exist.
func (s *Store) Get(ctx context.Context, boardID, taskID string) (task domain.Task, err error) {
	ctx, span := startSpan(ctx, "board.get", attribute.String("board.id", boardID), attribute.String("task.id", taskID))
	defer func() { endSpan(span, err) }()
	return s.backend.GetTask(ctx, boardID, taskID)
}

// ApplyPatch applies patch to current if expectedVersion is still the
// task's version. On mismatch it returns a *domain.ConflictError carrying the
// authoritative task; nothing is written in that case.
func (s *Store) ApplyPatch(ctx context.Context, current domain.Task, patch domain.Patch, expectedVersion int) (res PatchResult, err error) {
	ctx, span := startSpan(ctx, "board.apply_patch",
		attribute.String("board.id", current.BoardID),
		attribute.String("task.id", current.ID),
		attribute.Int("task.expected_version", expectedVersion),
	)
	defer func() { endSpan(span, err) }()

	if current.Version != expectedVersion {
		// the caller's copy may itself be stale; only the stored version counts
		fresh, err := s.backend.GetTask(ctx, current.BoardID, current.ID)
		if err != nil {
			return PatchResult{}, err
		}
		if fresh.Version != expectedVersion {
			return PatchResult{}, &domain.ConflictError{Expected: expectedVersion, Current: fresh}
		}
		current = fresh
	}

	after := patch.Apply(current)
	after.Version = current.Version + 1
	after.UpdatedAt = s.now()
	if after.UpdatedAt < current.UpdatedAt {
		after.UpdatedAt = current.UpdatedAt
	}

	if err := s.backend.UpdateTask(ctx, after, current.Version); err != nil {
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return PatchResult{}, err
		}
		winner, getErr := s.backend.GetTask(ctx, current.BoardID, current.ID)
		if getErr != nil {
			return PatchResult{}, getErr
		}
		return PatchResult{}, &domain.ConflictError{Expected: expectedVersion, Current: winner}
	}
	span.SetAttributes(attribute.Int("task.version", after.Version))
	return PatchResult{Before: current, After: after}, nil
}

// Delete removes the task. Authorization is the caller's concern.
func (s *Store) Delete(ctx context.Context, boardID, taskID string) (err error) {
	ctx, span := startSpan(ctx, "board.delete", attribute.String("board.id", boardID), attribute.String("task.id", taskID))
	defer func() { endSpan(span, err) }()
	return s.backend.DeleteTask(ctx, boardID, taskID)
}

// ListBoards returns every persisted board.
func (s *Store) ListBoards(ctx context.Context) (boards []domain.Board, err error) {
	ctx, span := startSpan(ctx, "board.list")
	defer func() { endSpan(span, err) }()
	return s.backend.ListBoards(ctx)
}
