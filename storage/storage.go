// Package storage persists workflows, tasks, results and retry schedules.
// Four backends implement the same contract: an in-memory store, an embedded
// JSON file store, NATS JetStream KV and Redis.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a status update violates the
	// task or workflow state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyExists is returned when creating an entity whose key is taken.
	ErrAlreadyExists = errors.New("entity already exists")
)

// RetryRecord schedules a future re-dispatch of a task. Records are
// persisted before the in-memory timer is armed so a crash between the two
// re-arms the retry at recovery.
type RetryRecord struct {
	// WorkflowID and TaskID identify the task to re-dispatch.
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`

	// Attempt is the dispatch number the retry will become.
	Attempt int `json:"attempt"`

	// FireAt is when the task goes back to the ready queue.
	FireAt time.Time `json:"fire_at"`

	// Code records the failure that caused the retry.
	Code workflow.ErrorCode `json:"code,omitempty"`
}

// PendingState is everything crash recovery needs: the non-terminal
// workflows, all their tasks (terminal ones included, for rebuilding
// dependency readiness) and every scheduled retry.
type PendingState struct {
	Workflows []*workflow.Workflow
	Tasks     map[string][]*workflow.Task
	Retries   []RetryRecord

	// Corrupt counts records skipped because they failed to decode.
	Corrupt int
}

// Store is the persistence contract shared by the engine and its
// subcomponents. Semantics: read-your-writes for the single engine writer,
// last-write-wins on puts, a write that returns nil survives restart
// (memory backend excepted).
type Store interface {
	// PutTask writes a task unconditionally.
	PutTask(ctx context.Context, task *workflow.Task) error

	// GetTask loads one task or ErrNotFound.
	GetTask(ctx context.Context, workflowID, taskID string) (*workflow.Task, error)

	// UpdateTaskStatus transitions a task, stamping started/completed
	// timestamps, then applies mutate for any extra fields. Illegal
	// transitions return ErrInvalidTransition and write nothing.
	UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status workflow.TaskStatus, mutate func(*workflow.Task)) (*workflow.Task, error)

	// ListTasksByWorkflow returns every task of a workflow.
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*workflow.Task, error)

	// ListTasksByStatus returns up to limit tasks in the given status.
	// Zero means no limit.
	ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, limit int) ([]*workflow.Task, error)

	// PutResult writes a task's canonical terminal result.
	PutResult(ctx context.Context, result *workflow.TaskResult) error

	// GetResult loads a task's result or ErrNotFound.
	GetResult(ctx context.Context, workflowID, taskID string) (*workflow.TaskResult, error)

	// PutWorkflow writes a workflow unconditionally.
	PutWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// GetWorkflow loads one workflow or ErrNotFound.
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// UpdateWorkflow applies mutate under the store's write lock and
	// persists the result.
	UpdateWorkflow(ctx context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error)

	// ListWorkflows returns up to limit workflows, filtered by status when
	// status is non-empty.
	ListWorkflows(ctx context.Context, status workflow.WorkflowStatus, limit int) ([]*workflow.Workflow, error)

	// UpsertRetry persists a scheduled retry, replacing any previous entry
	// for the same task.
	UpsertRetry(ctx context.Context, rec RetryRecord) error

	// DeleteRetry removes a task's scheduled retry. Missing entries are not
	// an error.
	DeleteRetry(ctx context.Context, workflowID, taskID string) error

	// PopDueRetries atomically removes and returns every retry with
	// fire_at <= now.
	PopDueRetries(ctx context.Context, now time.Time) ([]RetryRecord, error)

	// EnumeratePending loads the full recovery state.
	EnumeratePending(ctx context.Context) (*PendingState, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// applyStatus transitions a task's status in place, stamping timestamps the
// way every backend must. Callers hold their own locks.
func applyStatus(task *workflow.Task, status workflow.TaskStatus, now time.Time) error {
	if !status.IsValid() {
		return ErrInvalidTransition
	}
	if !task.Status.CanTransitionTo(status) {
		return ErrInvalidTransition
	}
	task.Status = status
	if status == workflow.TaskStatusRunning && task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	if status.IsTerminal() && task.CompletedAt == nil {
		completed := now
		task.CompletedAt = &completed
	}
	return nil
}
