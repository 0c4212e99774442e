package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"prism-sync/domain"
)

// Tables is a Backend on Azure Table Storage. Boards live in one partition of
// the boards table, tasks are partitioned by board. Version preconditions are
// enforced with ETag If-Match; ceilings are checked by counting before the
// insert and are therefore best-effort under concurrent creators.
type Tables struct {
	boards *aztables.Client
	tasks  *aztables.Client
}

// OpenTables connects to the account and creates both tables if needed.
func OpenTables(ctx context.Context, connStr, boardsTable, tasksTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	t := &Tables{boards: svc.NewClient(boardsTable), tasks: svc.NewClient(tasksTable)}
	for _, c := range []*aztables.Client{t.boards, t.tasks} {
		if _, err := c.CreateTable(ctx, nil); err != nil && !hasErrorCode(err, string(aztables.TableAlreadyExists)) {
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return t, nil
}

func (t *Tables) Close() error { return nil }

func hasStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func hasErrorCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

// odataQuote escapes a literal for use inside a filter expression.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (t *Tables) count(ctx context.Context, c *aztables.Client, partition string, limit int) (int, error) {
	filter := "PartitionKey eq " + odataQuote(partition)
	sel := "RowKey"
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	n := 0
	for pager.More() && n < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		n += len(resp.Entities)
	}
	return n, nil
}

func (t *Tables) EnsureBoard(ctx context.Context, boardID string, maxBoards int, now int64) (bool, error) {
	_, err := t.boards.GetEntity(ctx, boardPartition, boardID, nil)
	if err == nil {
		return false, nil
	}
	if !hasStatus(err, http.StatusNotFound) {
		return false, err
	}
	n, err := t.count(ctx, t.boards, boardPartition, maxBoards)
	if err != nil {
		return false, err
	}
	if n >= maxBoards {
		return false, domain.ErrBoardLimitReached
	}
	payload, err := json.Marshal(newBoardEntity(boardID, now))
	if err != nil {
		return false, err
	}
	if _, err := t.boards.AddEntity(ctx, payload, nil); err != nil {
		if hasStatus(err, http.StatusConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Tables) ListBoards(ctx context.Context) ([]domain.Board, error) {
	filter := "PartitionKey eq " + odataQuote(boardPartition)
	pager := t.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	boards := []domain.Board{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			b, err := decodeBoardEntity(e)
			if err != nil {
				return nil, err
			}
			boards = append(boards, b)
		}
	}
	return boards, nil
}

func (t *Tables) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + odataQuote(boardID)
	pager := t.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

func (t *Tables) getTask(ctx context.Context, boardID, taskID string) (domain.Task, azcore.ETag, error) {
	resp, err := t.tasks.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return domain.Task{}, "", domain.ErrTaskNotFound
		}
		return domain.Task{}, "", err
	}
	task, err := decodeTaskEntity(resp.Value)
	return task, resp.ETag, err
}

func (t *Tables) GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	task, _, err := t.getTask(ctx, boardID, taskID)
	return task, err
}

func (t *Tables) InsertTask(ctx context.Context, task domain.Task, maxPerBoard int) error {
	n, err := t.count(ctx, t.tasks, task.BoardID, maxPerBoard)
	if err != nil {
		return err
	}
	if n >= maxPerBoard {
		return domain.ErrTaskLimitReached
	}
	payload, err := json.Marshal(newTaskEntity(task))
	if err != nil {
		return err
	}
	if _, err := t.tasks.AddEntity(ctx, payload, nil); err != nil {
		return err
	}
	t.touchBoard(ctx, task.BoardID, task.UpdatedAt)
	return nil
}

func (t *Tables) UpdateTask(ctx context.Context, task domain.Task, expectedVersion int) error {
	stored, etag, err := t.getTask(ctx, task.BoardID, task.ID)
	if err != nil {
		return err
	}
	if stored.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	payload, err := json.Marshal(newTaskEntity(task))
	if err != nil {
		return err
	}
	_, err = t.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	switch {
	case err == nil:
	case hasStatus(err, http.StatusPreconditionFailed):
		return domain.ErrConcurrencyConflict
	case hasStatus(err, http.StatusNotFound):
		return domain.ErrTaskNotFound
	default:
		return err
	}
	t.touchBoard(ctx, task.BoardID, task.UpdatedAt)
	return nil
}

func (t *Tables) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if _, err := t.tasks.DeleteEntity(ctx, boardID, taskID, nil); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return domain.ErrTaskNotFound
		}
		return err
	}
	return nil
}

// touchBoard advances the board's update timestamp. Failures are ignored:
// the timestamp is informational.
func (t *Tables) touchBoard(ctx context.Context, boardID string, now int64) {
	payload, err := json.Marshal(boardTouch{
		entityKeys:    entityKeys{PartitionKey: boardPartition, RowKey: boardID},
		UpdatedAt:     now,
		UpdatedAtType: edmInt64,
	})
	if err != nil {
		return
	}
	et := azcore.ETagAny
	_, _ = t.boards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
}
