package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Redis key layout. JSON string values per entity; a set per workflow for
// task membership, a set of non-terminal workflow ids for recovery, and a
// sorted set scored by fire_at for the retry schedule.
const (
	redisWorkflowPrefix = "gz:wf:"
	redisTaskPrefix     = "gz:task:"
	redisResultPrefix   = "gz:result:"
	redisRetryPrefix    = "gz:retry:"
	redisTasksSetPrefix = "gz:wftasks:"
	redisPendingSet     = "gz:pending"
	redisRetryZSet      = "gz:retries"
)

// RedisStore is the networked key-value backend.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// RedisOptions configures the connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func redisTaskKey(workflowID, taskID string) string {
	return redisTaskPrefix + workflowID + ":" + taskID
}

func retryMember(workflowID, taskID string) string {
	return workflowID + ":" + taskID
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// PutTask writes a task and records workflow membership.
func (s *RedisStore) PutTask(ctx context.Context, task *workflow.Task) error {
	if err := s.setJSON(ctx, redisTaskKey(task.WorkflowID, task.ID), task); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, redisTasksSetPrefix+task.WorkflowID, task.ID).Err(); err != nil {
		return fmt.Errorf("record task membership: %w", err)
	}
	return nil
}

// GetTask loads one task or ErrNotFound.
func (s *RedisStore) GetTask(ctx context.Context, workflowID, taskID string) (*workflow.Task, error) {
	var task workflow.Task
	if err := s.getJSON(ctx, redisTaskKey(workflowID, taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus transitions a task via read-modify-write. The engine is
// the single writer per task, so no WATCH loop is needed.
func (s *RedisStore) UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
	task, err := s.GetTask(ctx, workflowID, taskID)
	if err != nil {
		return nil, err
	}
	if err := applyStatus(task, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(task)
	}
	if err := s.PutTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasksByWorkflow reads the membership set, then each task.
func (s *RedisStore) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	ids, err := s.client.SMembers(ctx, redisTasksSetPrefix+workflowID).Result()
	if err != nil {
		return nil, fmt.Errorf("list task membership: %w", err)
	}
	sort.Strings(ids)

	tasks := make([]*workflow.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, workflowID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			s.logger.Warn("skipping unreadable task record",
				"workflow_id", workflowID, "task_id", id, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ListTasksByStatus scans pending workflows' tasks. Terminal workflows only
// hold terminal tasks, so the pending set bounds the scan.
func (s *RedisStore) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, limit int) ([]*workflow.Task, error) {
	wfIDs, err := s.client.SMembers(ctx, redisPendingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending workflows: %w", err)
	}
	sort.Strings(wfIDs)

	var tasks []*workflow.Task
	for _, wfID := range wfIDs {
		wfTasks, err := s.ListTasksByWorkflow(ctx, wfID)
		if err != nil {
			return nil, err
		}
		for _, t := range wfTasks {
			if t.Status != status {
				continue
			}
			tasks = append(tasks, t)
			if limit > 0 && len(tasks) >= limit {
				return tasks, nil
			}
		}
	}
	return tasks, nil
}

// PutResult writes a task's canonical terminal result.
func (s *RedisStore) PutResult(ctx context.Context, result *workflow.TaskResult) error {
	return s.setJSON(ctx, redisResultPrefix+result.WorkflowID+":"+result.TaskID, result)
}

// GetResult loads a task's result or ErrNotFound.
func (s *RedisStore) GetResult(ctx context.Context, workflowID, taskID string) (*workflow.TaskResult, error) {
	var result workflow.TaskResult
	if err := s.getJSON(ctx, redisResultPrefix+workflowID+":"+taskID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutWorkflow writes a workflow and maintains the pending set.
func (s *RedisStore) PutWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.setJSON(ctx, redisWorkflowPrefix+wf.ID, wf); err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		if err := s.client.SRem(ctx, redisPendingSet, wf.ID).Err(); err != nil {
			return fmt.Errorf("clear pending workflow: %w", err)
		}
		return nil
	}
	if err := s.client.SAdd(ctx, redisPendingSet, wf.ID).Err(); err != nil {
		return fmt.Errorf("record pending workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads one workflow or ErrNotFound.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := s.getJSON(ctx, redisWorkflowPrefix+id, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow applies mutate via read-modify-write.
func (s *RedisStore) UpdateWorkflow(ctx context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(wf); err != nil {
		return nil, err
	}
	if err := s.PutWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows scans workflow keys.
func (s *RedisStore) ListWorkflows(ctx context.Context, status workflow.WorkflowStatus, limit int) ([]*workflow.Workflow, error) {
	var (
		wfs    []*workflow.Workflow
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisWorkflowPrefix+"*", 256).Result()
		if err != nil {
			return nil, fmt.Errorf("scan workflows: %w", err)
		}
		for _, key := range keys {
			var wf workflow.Workflow
			if err := s.getJSON(ctx, key, &wf); err != nil {
				s.logger.Warn("skipping unreadable workflow record", "key", key, "error", err)
				continue
			}
			if status != "" && wf.Status != status {
				continue
			}
			wfs = append(wfs, &wf)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(wfs, func(i, j int) bool { return wfs[i].ID < wfs[j].ID })
	if limit > 0 && len(wfs) > limit {
		wfs = wfs[:limit]
	}
	return wfs, nil
}

// UpsertRetry persists the record and scores it by fire_at millis.
func (s *RedisStore) UpsertRetry(ctx context.Context, rec RetryRecord) error {
	if err := s.setJSON(ctx, redisRetryPrefix+retryMember(rec.WorkflowID, rec.TaskID), rec); err != nil {
		return err
	}
	member := retryMember(rec.WorkflowID, rec.TaskID)
	if err := s.client.ZAdd(ctx, redisRetryZSet, redis.Z{
		Score:  float64(rec.FireAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry %s: %w", member, err)
	}
	return nil
}

// DeleteRetry removes a task's scheduled retry.
func (s *RedisStore) DeleteRetry(ctx context.Context, workflowID, taskID string) error {
	member := retryMember(workflowID, taskID)
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, redisRetryZSet, member)
	pipe.Del(ctx, redisRetryPrefix+member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete retry %s: %w", member, err)
	}
	return nil
}

// PopDueRetries removes and returns every retry scored at or before now.
func (s *RedisStore) PopDueRetries(ctx context.Context, now time.Time) ([]RetryRecord, error) {
	members, err := s.client.ZRangeByScore(ctx, redisRetryZSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range due retries: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	due := make([]RetryRecord, 0, len(members))
	pipe := s.client.Pipeline()
	for _, member := range members {
		var rec RetryRecord
		if err := s.getJSON(ctx, redisRetryPrefix+member, &rec); err != nil {
			s.logger.Warn("skipping unreadable retry record", "member", member, "error", err)
		} else {
			due = append(due, rec)
		}
		pipe.ZRem(ctx, redisRetryZSet, member)
		pipe.Del(ctx, redisRetryPrefix+member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pop due retries: %w", err)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

// EnumeratePending loads the full recovery state from the pending set.
func (s *RedisStore) EnumeratePending(ctx context.Context) (*PendingState, error) {
	wfIDs, err := s.client.SMembers(ctx, redisPendingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending workflows: %w", err)
	}
	sort.Strings(wfIDs)

	pending := &PendingState{Tasks: make(map[string][]*workflow.Task)}
	for _, id := range wfIDs {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				pending.Corrupt++
				continue
			}
			return nil, err
		}
		if wf.Status.IsTerminal() {
			continue
		}
		pending.Workflows = append(pending.Workflows, wf)
		tasks, err := s.ListTasksByWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		pending.Tasks[id] = tasks
	}

	members, err := s.client.ZRangeByScore(ctx, redisRetryZSet, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	for _, member := range members {
		var rec RetryRecord
		if err := s.getJSON(ctx, redisRetryPrefix+member, &rec); err != nil {
			s.logger.Warn("skipping unreadable retry record", "member", member, "error", err)
			pending.Corrupt++
			continue
		}
		if !strings.Contains(member, ":") {
			pending.Corrupt++
			continue
		}
		pending.Retries = append(pending.Retries, rec)
	}
	return pending, nil
}

// Ping verifies the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
