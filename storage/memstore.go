package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

type taskKey struct {
	workflowID string
	taskID     string
}

// MemStore keeps everything in maps. It is the default backend for tests and
// single-run invocations; durability is explicitly not provided.
type MemStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	tasks     map[taskKey]*workflow.Task
	results   map[taskKey]*workflow.TaskResult
	retries   map[taskKey]RetryRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*workflow.Workflow),
		tasks:     make(map[taskKey]*workflow.Task),
		results:   make(map[taskKey]*workflow.TaskResult),
		retries:   make(map[taskKey]RetryRecord),
	}
}

// PutTask writes a task unconditionally.
func (s *MemStore) PutTask(_ context.Context, task *workflow.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskKey{task.WorkflowID, task.ID}] = task.Clone()
	return nil
}

// GetTask loads one task or ErrNotFound.
func (s *MemStore) GetTask(_ context.Context, workflowID, taskID string) (*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskKey{workflowID, taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// UpdateTaskStatus transitions a task and applies mutate.
func (s *MemStore) UpdateTaskStatus(_ context.Context, workflowID, taskID string, status workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskKey{workflowID, taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	updated := task.Clone()
	if err := applyStatus(updated, status, time.Now().UTC()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(updated)
	}
	s.tasks[taskKey{workflowID, taskID}] = updated
	return updated.Clone(), nil
}

// ListTasksByWorkflow returns every task of a workflow in task-id order.
func (s *MemStore) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*workflow.Task
	for k, t := range s.tasks {
		if k.workflowID == workflowID {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// ListTasksByStatus returns up to limit tasks in the given status.
func (s *MemStore) ListTasksByStatus(_ context.Context, status workflow.TaskStatus, limit int) ([]*workflow.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*workflow.Task
	for _, t := range s.tasks {
		if t.Status == status {
			tasks = append(tasks, t.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].WorkflowID != tasks[j].WorkflowID {
			return tasks[i].WorkflowID < tasks[j].WorkflowID
		}
		return tasks[i].ID < tasks[j].ID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// PutResult writes a task's canonical terminal result.
func (s *MemStore) PutResult(_ context.Context, result *workflow.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskKey{result.WorkflowID, result.TaskID}] = result.Clone()
	return nil
}

// GetResult loads a task's result or ErrNotFound.
func (s *MemStore) GetResult(_ context.Context, workflowID, taskID string) (*workflow.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[taskKey{workflowID, taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	return result.Clone(), nil
}

// PutWorkflow writes a workflow unconditionally.
func (s *MemStore) PutWorkflow(_ context.Context, wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetWorkflow loads one workflow or ErrNotFound.
func (s *MemStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf.Clone(), nil
}

// UpdateWorkflow applies mutate under the write lock and persists the result.
func (s *MemStore) UpdateWorkflow(_ context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated := wf.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	s.workflows[id] = updated
	return updated.Clone(), nil
}

// ListWorkflows returns up to limit workflows, filtered by status.
func (s *MemStore) ListWorkflows(_ context.Context, status workflow.WorkflowStatus, limit int) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wfs []*workflow.Workflow
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		wfs = append(wfs, wf.Clone())
	}
	sort.Slice(wfs, func(i, j int) bool { return wfs[i].ID < wfs[j].ID })
	if limit > 0 && len(wfs) > limit {
		wfs = wfs[:limit]
	}
	return wfs, nil
}

// UpsertRetry persists a scheduled retry, replacing any previous entry.
func (s *MemStore) UpsertRetry(_ context.Context, rec RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[taskKey{rec.WorkflowID, rec.TaskID}] = rec
	return nil
}

// DeleteRetry removes a task's scheduled retry.
func (s *MemStore) DeleteRetry(_ context.Context, workflowID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, taskKey{workflowID, taskID})
	return nil
}

// PopDueRetries atomically removes and returns every due retry.
func (s *MemStore) PopDueRetries(_ context.Context, now time.Time) ([]RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []RetryRecord
	for k, rec := range s.retries {
		if !rec.FireAt.After(now) {
			due = append(due, rec)
			delete(s.retries, k)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

// EnumeratePending loads the full recovery state.
func (s *MemStore) EnumeratePending(ctx context.Context) (*PendingState, error) {
	s.mu.RLock()
	pending := &PendingState{Tasks: make(map[string][]*workflow.Task)}
	for _, wf := range s.workflows {
		if !wf.Status.IsTerminal() {
			pending.Workflows = append(pending.Workflows, wf.Clone())
		}
	}
	for _, rec := range s.retries {
		pending.Retries = append(pending.Retries, rec)
	}
	s.mu.RUnlock()

	sort.Slice(pending.Workflows, func(i, j int) bool {
		return pending.Workflows[i].CreatedAt.Before(pending.Workflows[j].CreatedAt)
	})
	for _, wf := range pending.Workflows {
		tasks, err := s.ListTasksByWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		pending.Tasks[wf.ID] = tasks
	}
	sort.Slice(pending.Retries, func(i, j int) bool {
		return pending.Retries[i].FireAt.Before(pending.Retries[j].FireAt)
	})
	return pending, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close releases nothing.
func (s *MemStore) Close() error { return nil }
