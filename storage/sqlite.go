package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"prism-sync/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	board_id TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('todo','doing','done')),
	version INTEGER NOT NULL DEFAULT 0,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (board_id, id),
	FOREIGN KEY (board_id) REFERENCES boards(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_board ON tasks(board_id);
`

// SQLite is the default durable Backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serialises the count-then-insert statements below
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) EnsureBoard(ctx context.Context, boardID string, maxBoards int, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, created_at, updated_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM boards WHERE id = ?)
		  AND (SELECT COUNT(*) FROM boards) < ?`,
		boardID, now, now, boardID, maxBoards)
	if err != nil {
		return false, fmt.Errorf("insert board: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	exists, err := s.boardExists(ctx, boardID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrBoardLimitReached
	}
	return false, nil
}

func (s *SQLite) boardExists(ctx context.Context, boardID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM boards WHERE id = ?`, boardID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup board: %w", err)
	}
	return true, nil
}

func (s *SQLite) ListBoards(ctx context.Context) ([]domain.Board, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, updated_at FROM boards ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	boards := []domain.Board{}
	for rows.Next() {
		var b domain.Board
		if err := rows.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

const taskColumns = `board_id, id, title, description, status, version, created_by, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(r scanner) (domain.Task, error) {
	var t domain.Task
	err := r.Scan(&t.BoardID, &t.ID, &t.Title, &t.Description, &t.Status, &t.Version, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *SQLite) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id = ? ORDER BY created_at, id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE board_id = ? AND id = ?`, boardID, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLite) InsertTask(ctx context.Context, t domain.Task, maxPerBoard int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM tasks WHERE board_id = ?) < ?`,
		t.BoardID, t.ID, t.Title, t.Description, t.Status, t.Version, t.CreatedBy, t.CreatedAt, t.UpdatedAt,
		t.BoardID, maxPerBoard)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskLimitReached
	}
	if err := touchBoard(ctx, tx, t.BoardID, t.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, version = ?, updated_at = ?
		WHERE board_id = ? AND id = ? AND version = ?`,
		t.Title, t.Description, t.Status, t.Version, t.UpdatedAt, t.BoardID, t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE board_id = ? AND id = ?`, t.BoardID, t.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrConcurrencyConflict
	}
	if err := touchBoard(ctx, tx, t.BoardID, t.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) DeleteTask(ctx context.Context, boardID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE board_id = ? AND id = ?`, boardID, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func touchBoard(ctx context.Context, tx *sql.Tx, boardID string, now int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE boards SET updated_at = ? WHERE id = ?`, now, boardID); err != nil {
		return fmt.Errorf("touch board: %w", err)
	}
	return nil
}
