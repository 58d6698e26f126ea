package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Bucket names for each entity type.
const (
	BucketWorkflows = "GLEITZEIT_WORKFLOWS"
	BucketTasks     = "GLEITZEIT_TASKS"
	BucketResults   = "GLEITZEIT_RESULTS"
	BucketRetries   = "GLEITZEIT_RETRIES"
)

// NATSStore persists entities in JetStream KV buckets, one bucket per entity
// type, JSON values, keys "workflowID.taskID" for task-scoped entities.
// Secondary lookups (by workflow, by status) scan keys; NATS KV has no
// native range queries and the engine's scans happen off the hot path.
type NATSStore struct {
	workflows jetstream.KeyValue
	tasks     jetstream.KeyValue
	results   jetstream.KeyValue
	retries   jetstream.KeyValue
	logger    *slog.Logger
}

// NewNATSStore creates the store, creating missing buckets.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*NATSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NATSStore{logger: logger}
	for _, b := range []struct {
		name   string
		target *jetstream.KeyValue
	}{
		{BucketWorkflows, &s.workflows},
		{BucketTasks, &s.tasks},
		{BucketResults, &s.results},
		{BucketRetries, &s.retries},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.target = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Gleitzeit %s storage", strings.ToLower(strings.TrimPrefix(name, "GLEITZEIT_"))),
		History:     1,
	})
}

func isKVNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}

// kvKey joins workflow and task ids. Both id charsets are valid NATS KV key
// segments, and '.' appears in neither, so the join is unambiguous.
func kvKey(workflowID, taskID string) string {
	return workflowID + "." + taskID
}

func splitKVKey(key string) (workflowID, taskID string, ok bool) {
	i := strings.IndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

func kvPut(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func kvGet(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// PutTask writes a task unconditionally.
func (s *NATSStore) PutTask(ctx context.Context, task *workflow.Task) error {
	return kvPut(ctx, s.tasks, kvKey(task.WorkflowID, task.ID), task)
}

// GetTask loads one task or ErrNotFound.
func (s *NATSStore) GetTask(ctx context.Context, workflowID, taskID string) (*workflow.Task, error) {
	var task workflow.Task
	if err := kvGet(ctx, s.tasks, kvKey(workflowID, taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatus transitions a task via read-modify-write. The engine is
// the single writer, so no CAS loop is needed.
func (s *NATSStore) UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
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

// ListTasksByWorkflow scans the task bucket for the workflow's key prefix.
func (s *NATSStore) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if isKVNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	prefix := workflowID + "."
	var tasks []*workflow.Task
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var task workflow.Task
		if err := kvGet(ctx, s.tasks, key, &task); err != nil {
			s.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}
		tasks = append(tasks, &task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// ListTasksByStatus scans every task.
func (s *NATSStore) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, limit int) ([]*workflow.Task, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if isKVNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}
	sort.Strings(keys)

	var tasks []*workflow.Task
	for _, key := range keys {
		var task workflow.Task
		if err := kvGet(ctx, s.tasks, key, &task); err != nil {
			s.logger.Warn("skipping unreadable task record", "key", key, "error", err)
			continue
		}
		if task.Status != status {
			continue
		}
		tasks = append(tasks, &task)
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	return tasks, nil
}

// PutResult writes a task's canonical terminal result.
func (s *NATSStore) PutResult(ctx context.Context, result *workflow.TaskResult) error {
	return kvPut(ctx, s.results, kvKey(result.WorkflowID, result.TaskID), result)
}

// GetResult loads a task's result or ErrNotFound.
func (s *NATSStore) GetResult(ctx context.Context, workflowID, taskID string) (*workflow.TaskResult, error) {
	var result workflow.TaskResult
	if err := kvGet(ctx, s.results, kvKey(workflowID, taskID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PutWorkflow writes a workflow unconditionally.
func (s *NATSStore) PutWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	return kvPut(ctx, s.workflows, wf.ID, wf)
}

// GetWorkflow loads one workflow or ErrNotFound.
func (s *NATSStore) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := kvGet(ctx, s.workflows, id, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow applies mutate via read-modify-write.
func (s *NATSStore) UpdateWorkflow(ctx context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
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

// ListWorkflows scans the workflow bucket.
func (s *NATSStore) ListWorkflows(ctx context.Context, status workflow.WorkflowStatus, limit int) ([]*workflow.Workflow, error) {
	keys, err := s.workflows.Keys(ctx)
	if err != nil {
		if isKVNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workflow keys: %w", err)
	}
	sort.Strings(keys)

	var wfs []*workflow.Workflow
	for _, key := range keys {
		var wf workflow.Workflow
		if err := kvGet(ctx, s.workflows, key, &wf); err != nil {
			s.logger.Warn("skipping unreadable workflow record", "key", key, "error", err)
			continue
		}
		if status != "" && wf.Status != status {
			continue
		}
		wfs = append(wfs, &wf)
		if limit > 0 && len(wfs) >= limit {
			break
		}
	}
	return wfs, nil
}

// UpsertRetry persists a scheduled retry, replacing any previous entry.
func (s *NATSStore) UpsertRetry(ctx context.Context, rec RetryRecord) error {
	return kvPut(ctx, s.retries, kvKey(rec.WorkflowID, rec.TaskID), rec)
}

// DeleteRetry removes a task's scheduled retry.
func (s *NATSStore) DeleteRetry(ctx context.Context, workflowID, taskID string) error {
	err := s.retries.Delete(ctx, kvKey(workflowID, taskID))
	if err != nil && !isKVNotFound(err) {
		return fmt.Errorf("delete retry: %w", err)
	}
	return nil
}

// PopDueRetries removes and returns every due retry. The engine is the only
// caller, so scan-then-delete is atomic enough for the contract.
func (s *NATSStore) PopDueRetries(ctx context.Context, now time.Time) ([]RetryRecord, error) {
	recs, _, err := s.loadRetries(ctx)
	if err != nil {
		return nil, err
	}
	var due []RetryRecord
	for _, rec := range recs {
		if rec.FireAt.After(now) {
			continue
		}
		if err := s.DeleteRetry(ctx, rec.WorkflowID, rec.TaskID); err != nil {
			return nil, err
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

func (s *NATSStore) loadRetries(ctx context.Context) ([]RetryRecord, int, error) {
	keys, err := s.retries.Keys(ctx)
	if err != nil {
		if isKVNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("list retry keys: %w", err)
	}
	var recs []RetryRecord
	corrupt := 0
	for _, key := range keys {
		var rec RetryRecord
		if err := kvGet(ctx, s.retries, key, &rec); err != nil {
			s.logger.Warn("skipping unreadable retry record", "key", key, "error", err)
			corrupt++
			continue
		}
		if _, _, ok := splitKVKey(key); !ok {
			corrupt++
			continue
		}
		recs = append(recs, rec)
	}
	return recs, corrupt, nil
}

// EnumeratePending loads the full recovery state.
func (s *NATSStore) EnumeratePending(ctx context.Context) (*PendingState, error) {
	wfs, err := s.ListWorkflows(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	pending := &PendingState{Tasks: make(map[string][]*workflow.Task)}
	for _, wf := range wfs {
		if wf.Status.IsTerminal() {
			continue
		}
		pending.Workflows = append(pending.Workflows, wf)
		tasks, err := s.ListTasksByWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		pending.Tasks[wf.ID] = tasks
	}

	recs, corrupt, err := s.loadRetries(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
	pending.Retries = recs
	pending.Corrupt = corrupt
	return pending, nil
}

// Ping checks bucket availability with a lightweight status call.
func (s *NATSStore) Ping(ctx context.Context) error {
	if _, err := s.workflows.Status(ctx); err != nil {
		return fmt.Errorf("kv status: %w", err)
	}
	return nil
}

// Close releases nothing; the NATS connection is owned by the caller.
func (s *NATSStore) Close() error { return nil }
