package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-sync/domain"
)

// tombstone marks a deleted task in the versions hash so a delayed
// write-through cannot resurrect it.
const tombstone = "x"

// upsertScript writes a task only if its version is newer than the cached
// one. KEYS: tasks, versions, loaded. ARGV: id, version, body, ttl ms.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur == '` + tombstone + `' then return 0 end
if cur and tonumber(cur) >= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ttl) end
end
return 1
`)

// loadScript merges a durable snapshot under the same rules and marks the
// board loaded. KEYS: tasks, versions, loaded. ARGV: ttl ms, then
// (id, version, body) triples.
var loadScript = redis.NewScript(`
for i = 2, #ARGV, 3 do
  local cur = redis.call('HGET', KEYS[2], ARGV[i])
  if not cur or (cur ~= '` + tombstone + `' and tonumber(cur) < tonumber(ARGV[i+1])) then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+2])
    redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
  end
end
redis.call('SET', KEYS[3], '1')
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  for i = 1, 3 do redis.call('PEXPIRE', KEYS[i], ttl) end
end
return 1
`)

// tombstoneScript removes a task and records its deletion.
// KEYS: tasks, versions. ARGV: id.
var tombstoneScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], '` + tombstone + `')
return 1
`)

// Cache fronts a Backend with a per-board Redis read-through cache kept
// coherent by writing through on every mutation. A nil client disables
// caching.
type Cache struct {
	base  Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache wraps base. ttl of zero keeps cached boards until evicted.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func tasksKey(boardID string) string    { return "board:" + boardID + ":tasks" }
func versionsKey(boardID string) string { return "board:" + boardID + ":versions" }
func loadedKey(boardID string) string   { return "board:" + boardID + ":loaded" }

func boardKeys(boardID string) []string {
	return []string{tasksKey(boardID), versionsKey(boardID), loadedKey(boardID)}
}

func (c *Cache) ttlMillis() int64 { return c.ttl.Milliseconds() }

func (c *Cache) Close() error {
	return c.base.Close()
}

func (c *Cache) EnsureBoard(ctx context.Context, boardID string, maxBoards int, now int64) (bool, error) {
	created, err := c.base.EnsureBoard(ctx, boardID, maxBoards, now)
	if err != nil || !created || c.redis == nil {
		return created, err
	}
	// a fresh board is empty, so it can be marked loaded without a read
	if err := loadScript.Run(ctx, c.redis, boardKeys(boardID), c.ttlMillis()).Err(); err != nil {
		c.evict(ctx, boardID)
	}
	return true, nil
}

func (c *Cache) ListBoards(ctx context.Context) ([]domain.Board, error) {
	return c.base.ListBoards(ctx)
}

func (c *Cache) loaded(ctx context.Context, boardID string) bool {
	n, err := c.redis.Exists(ctx, loadedKey(boardID)).Result()
	return err == nil && n == 1
}

func (c *Cache) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	if c.redis == nil {
		return c.base.ListTasks(ctx, boardID)
	}
	if tasks, ok := c.loadTasksFromCache(ctx, boardID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListTasks(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, boardID, tasks)
	return tasks, nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if !c.loaded(ctx, boardID) {
		return nil, false
	}
	raw, err := c.redis.HGetAll(ctx, tasksKey(boardID)).Result()
	if err != nil {
		c.evict(ctx, boardID)
		return nil, false
	}
	tasks := make([]domain.Task, 0, len(raw))
	for _, body := range raw {
		var t domain.Task
		if err := sonic.UnmarshalString(body, &t); err != nil {
			c.evict(ctx, boardID)
			return nil, false
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, boardID string, tasks []domain.Task) {
	args := make([]any, 0, 1+3*len(tasks))
	args = append(args, c.ttlMillis())
	for _, t := range tasks {
		body, err := sonic.MarshalString(t)
		if err != nil {
			return
		}
		args = append(args, t.ID, t.Version, body)
	}
	if err := loadScript.Run(ctx, c.redis, boardKeys(boardID), args...).Err(); err != nil {
		c.evict(ctx, boardID)
	}
}

func (c *Cache) GetTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	if c.redis == nil || !c.loaded(ctx, boardID) {
		return c.base.GetTask(ctx, boardID, taskID)
	}
	body, err := c.redis.HGet(ctx, tasksKey(boardID), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		c.evict(ctx, boardID)
		return c.base.GetTask(ctx, boardID, taskID)
	}
	var t domain.Task
	if err := sonic.UnmarshalString(body, &t); err != nil {
		c.evict(ctx, boardID)
		return c.base.GetTask(ctx, boardID, taskID)
	}
	return t, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task, maxPerBoard int) error {
	if err := c.base.InsertTask(ctx, t, maxPerBoard); err != nil {
		return err
	}
	return c.writeThrough(ctx, t)
}

func (c *Cache) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error {
	if err := c.base.UpdateTask(ctx, t, expectedVersion); err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrTaskNotFound) {
			c.refresh(ctx, t.BoardID, t.ID)
		}
		return err
	}
	return c.writeThrough(ctx, t)
}

// refresh copies the durable row into the cache. The winner of a conflict
// may not have written through yet, and the loser re-reads through the cache.
func (c *Cache) refresh(ctx context.Context, boardID, taskID string) {
	if c.redis == nil {
		return
	}
	current, err := c.base.GetTask(ctx, boardID, taskID)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		err = tombstoneScript.Run(ctx, c.redis, []string{tasksKey(boardID), versionsKey(boardID)}, taskID).Err()
		_ = c.recover(ctx, boardID, err)
	case err != nil:
		_ = c.evict(ctx, boardID)
	default:
		_ = c.writeThrough(ctx, current)
	}
}

func (c *Cache) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if err := c.base.DeleteTask(ctx, boardID, taskID); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	err := tombstoneScript.Run(ctx, c.redis, []string{tasksKey(boardID), versionsKey(boardID)}, taskID).Err()
	return c.recover(ctx, boardID, err)
}

func (c *Cache) writeThrough(ctx context.Context, t domain.Task) error {
	if c.redis == nil {
		return nil
	}
	body, err := sonic.MarshalString(t)
	if err == nil {
		err = upsertScript.Run(ctx, c.redis, boardKeys(t.BoardID), t.ID, strconv.Itoa(t.Version), body, c.ttlMillis()).Err()
	}
	return c.recover(ctx, t.BoardID, err)
}

// recover drops the board from the cache after a failed write-through so
// the next read repopulates it from the durable store. Only a failure to
// evict is reported: the cache may then be stale.
func (c *Cache) recover(ctx context.Context, boardID string, err error) error {
	if err == nil {
		return nil
	}
	if evictErr := c.evict(ctx, boardID); evictErr != nil {
		return fmt.Errorf("cache write-through: %w (evict: %v)", err, evictErr)
	}
	return nil
}

func (c *Cache) evict(ctx context.Context, boardID string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, boardKeys(boardID)...).Err()
}
