package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// seedWorkflow writes a workflow and its tasks directly into the store, the
// way a crashed engine would have left them.
func seedWorkflow(t *testing.T, store storage.Store, wf *workflow.Workflow, tasks ...*workflow.Task) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutWorkflow(ctx, wf))
	for _, task := range tasks {
		require.NoError(t, store.PutTask(ctx, task))
	}
}

func seededTask(wfID, id string, status workflow.TaskStatus, attempts, maxAttempts int) *workflow.Task {
	now := time.Now().UTC()
	task := &workflow.Task{
		ID:           id,
		WorkflowID:   wfID,
		Protocol:     "echo/v1",
		Method:       "echo",
		Params:       workflow.Params{"text": "hi"},
		Priority:     workflow.PriorityNormal,
		Status:       status,
		AttemptCount: attempts,
		Retry:        workflow.RetryPolicy{MaxAttempts: maxAttempts}.Normalize(),
		CreatedAt:    now.Add(-time.Minute),
	}
	if status == workflow.TaskStatusRunning {
		started := now.Add(-time.Second)
		task.StartedAt = &started
	}
	return task
}

func seededAggregate(id string, total int) *workflow.Workflow {
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	return &workflow.Workflow{
		ID:        id,
		Name:      "seeded",
		Status:    workflow.WorkflowStatusRunning,
		Priority:  workflow.PriorityNormal,
		Strategy:  workflow.FailFast,
		Counts:    workflow.Counts{Total: total},
		CreatedAt: now.Add(-2 * time.Minute),
		StartedAt: &started,
	}
}

func TestRecoveryRequeuesRunningTaskWithBudget(t *testing.T) {
	store := storage.NewMemStore()
	wf := seededAggregate("wf-req", 1)
	wf.TaskIDs = []string{"a"}
	seedWorkflow(t, store, wf, seededTask("wf-req", "a", workflow.TaskStatusRunning, 1, 3))

	r := newRig(t, testConfig(), store)
	r.startProvider("p1", nil)

	final := r.waitWorkflow("wf-req", workflow.WorkflowStatusCompleted)
	assert.Equal(t, 1, final.Counts.Completed)

	task := r.task("wf-req", "a")
	// The lost in-flight attempt stays charged; the requeued dispatch adds one.
	assert.Equal(t, 2, task.AttemptCount)
	assert.Equal(t, workflow.TaskStatusCompleted, task.Status)
}

func TestRecoveryFailsRunningTaskWithoutBudget(t *testing.T) {
	store := storage.NewMemStore()
	wf := seededAggregate("wf-exh", 1)
	wf.TaskIDs = []string{"a"}
	seedWorkflow(t, store, wf, seededTask("wf-exh", "a", workflow.TaskStatusRunning, 1, 1))

	r := newRig(t, testConfig(), store)

	final := r.waitWorkflow("wf-exh", workflow.WorkflowStatusFailed)
	require.NotNil(t, final.FirstError)
	assert.Equal(t, workflow.CodeConnectionLost, final.FirstError.Code)
	assert.Equal(t, 1, final.Counts.Failed)

	task := r.task("wf-exh", "a")
	assert.Equal(t, workflow.TaskStatusFailed, task.Status)
	require.NotNil(t, task.LastError)
	assert.Equal(t, workflow.CodeConnectionLost, task.LastError.Code)

	res, err := store.GetResult(context.Background(), "wf-exh", "a")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusFailed, res.Status)
}

func TestRecoveryFailModeAbandonsInFlightWork(t *testing.T) {
	store := storage.NewMemStore()
	wf := seededAggregate("wf-fail", 1)
	wf.TaskIDs = []string{"a"}
	// Budget remains, but the policy says fail.
	seedWorkflow(t, store, wf, seededTask("wf-fail", "a", workflow.TaskStatusRunning, 1, 3))

	cfg := testConfig()
	cfg.Recovery = RecoveryFail
	r := newRig(t, cfg, store)
	r.startProvider("p1", nil)

	final := r.waitWorkflow("wf-fail", workflow.WorkflowStatusFailed)
	require.NotNil(t, final.FirstError)
	assert.Equal(t, workflow.CodeConnectionLost, final.FirstError.Code)
}

func TestRecoveryRestoresPersistedRetry(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	wf := seededAggregate("wf-retry", 1)
	wf.TaskIDs = []string{"a"}
	seedWorkflow(t, store, wf, seededTask("wf-retry", "a", workflow.TaskStatusRetrying, 1, 3))
	require.NoError(t, store.UpsertRetry(ctx, storage.RetryRecord{
		WorkflowID: "wf-retry",
		TaskID:     "a",
		Attempt:    2,
		FireAt:     time.Now().UTC().Add(30 * time.Millisecond),
		Code:       workflow.CodeProviderOverloaded,
	}))

	r := newRig(t, testConfig(), store)
	r.startProvider("p1", nil)

	final := r.waitWorkflow("wf-retry", workflow.WorkflowStatusCompleted)
	assert.Equal(t, 1, final.Counts.Completed)

	task := r.task("wf-retry", "a")
	assert.Equal(t, 2, task.AttemptCount)

	// The fired retry record is gone; nothing re-fires.
	due, err := store.PopDueRetries(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecoveryRequeuesRetryingTaskWithoutRecord(t *testing.T) {
	// Crash between the retrying status write and the retry record write:
	// the task re-enqueues immediately instead of waiting for a timer that
	// was never persisted.
	store := storage.NewMemStore()
	wf := seededAggregate("wf-norec", 1)
	wf.TaskIDs = []string{"a"}
	seedWorkflow(t, store, wf, seededTask("wf-norec", "a", workflow.TaskStatusRetrying, 1, 3))

	r := newRig(t, testConfig(), store)
	r.startProvider("p1", nil)

	final := r.waitWorkflow("wf-norec", workflow.WorkflowStatusCompleted)
	assert.Equal(t, 1, final.Counts.Completed)
	assert.Equal(t, 2, r.task("wf-norec", "a").AttemptCount)
}

func TestRecoveryFinalizesWorkflowWithAllTasksTerminal(t *testing.T) {
	// Every task finished but the crash hit before the aggregate was
	// finalized.
	store := storage.NewMemStore()
	ctx := context.Background()

	wf := seededAggregate("wf-done", 2)
	wf.TaskIDs = []string{"a", "b"}
	wf.Counts.Completed = 2
	a := seededTask("wf-done", "a", workflow.TaskStatusCompleted, 1, 1)
	b := seededTask("wf-done", "b", workflow.TaskStatusCompleted, 1, 1)
	now := time.Now().UTC()
	a.CompletedAt, b.CompletedAt = &now, &now
	seedWorkflow(t, store, wf, a, b)

	r := newRig(t, testConfig(), store)

	final := r.waitWorkflow("wf-done", workflow.WorkflowStatusCompleted)
	assert.NotNil(t, final.CompletedAt)

	// The finalized workflow no longer shows up as pending work.
	pending, err := store.EnumeratePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending.Workflows)
}

func TestRecoveryResumesDependentsOfCompletedTasks(t *testing.T) {
	// a completed before the crash; b was still queued behind it. Recovery
	// must ready b off the rebuilt graph.
	store := storage.NewMemStore()

	wf := seededAggregate("wf-dep", 2)
	wf.TaskIDs = []string{"a", "b"}
	wf.Counts.Completed = 1
	a := seededTask("wf-dep", "a", workflow.TaskStatusCompleted, 1, 1)
	now := time.Now().UTC()
	a.CompletedAt = &now
	b := seededTask("wf-dep", "b", workflow.TaskStatusQueued, 0, 1)
	b.DependsOn = []string{"a"}
	seedWorkflow(t, store, wf, a, b)

	r := newRig(t, testConfig(), store)
	r.startProvider("p1", nil)

	final := r.waitWorkflow("wf-dep", workflow.WorkflowStatusCompleted)
	assert.Equal(t, 2, final.Counts.Completed)
	assert.Equal(t, workflow.TaskStatusCompleted, r.task("wf-dep", "b").Status)
}
