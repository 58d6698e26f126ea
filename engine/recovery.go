package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/workflow"
)

type recoveryReport struct {
	Workflows       int
	Requeued        int
	RetriesRestored int
	Failed          int
	Finalized       int
	Corrupt         int
}

func (r *recoveryReport) empty() bool {
	return r.Workflows == 0 && r.Corrupt == 0
}

// recover rebuilds loop state from the store after a restart. Tasks caught
// mid-flight get requeued or failed per the configured policy; persisted
// retry timers are re-armed; workflows whose tasks all finished while the
// engine was down are finalized.
func (e *Engine) recover(ctx context.Context) (*recoveryReport, error) {
	state, err := e.store.EnumeratePending(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate pending: %w", err)
	}

	report := &recoveryReport{Corrupt: state.Corrupt}

	retryByTask := make(map[taskKey]storage.RetryRecord, len(state.Retries))
	for _, rec := range state.Retries {
		retryByTask[taskKey{rec.WorkflowID, rec.TaskID}] = rec
	}
	var restore []storage.RetryRecord

	for _, wf := range state.Workflows {
		report.Workflows++
		tasks := state.Tasks[wf.ID]

		g, err := e.resolver.AddWorkflow(wf.ID, tasks)
		if err != nil {
			// The stored task set no longer forms a valid graph. Nothing
			// can make progress; fail the whole workflow.
			e.logger.Error("recovery: workflow graph invalid",
				"workflow_id", wf.ID, "error", err)
			e.failWorkflowOnRecovery(ctx, wf.ID, workflow.Errorf(
				workflow.CodePersistenceIntegrity, "stored graph invalid: %v", err))
			report.Failed++
			continue
		}

		readySet := make(map[string]struct{})
		for _, id := range g.Ready() {
			readySet[id] = struct{}{}
		}

		for _, t := range tasks {
			switch t.Status {
			case workflow.TaskStatusQueued:
				if _, ok := readySet[t.ID]; ok {
					e.transitionReadyAndEnqueue(ctx, wf.ID, t.ID)
					report.Requeued++
				}

			case workflow.TaskStatusReady:
				e.enqueueReady(ctx, t)
				report.Requeued++

			case workflow.TaskStatusRetrying:
				if rec, ok := retryByTask[taskKey{wf.ID, t.ID}]; ok {
					restore = append(restore, rec)
					report.RetriesRestored++
					continue
				}
				// The crash hit between the retrying status write and the
				// retry record write. Re-enqueue immediately.
				updated, err := e.store.UpdateTaskStatus(ctx, wf.ID, t.ID,
					workflow.TaskStatusReady, nil)
				if err != nil {
					e.logger.Error("recovery: requeue retrying task",
						"workflow_id", wf.ID, "task_id", t.ID, "error", err)
					continue
				}
				e.enqueueReady(ctx, updated)
				report.Requeued++

			case workflow.TaskStatusRunning:
				// In flight when the engine died; the provider response, if
				// any, is lost.
				if e.cfg.Recovery == RecoveryRequeue && t.AttemptCount < t.Retry.MaxAttempts {
					t.Status = workflow.TaskStatusReady
					if err := e.store.PutTask(ctx, t); err != nil {
						e.logger.Error("recovery: requeue running task",
							"workflow_id", wf.ID, "task_id", t.ID, "error", err)
						continue
					}
					e.enqueueReady(ctx, t)
					report.Requeued++
					continue
				}
				e.failTaskOnRecovery(ctx, g, t, workflow.NewError(
					workflow.CodeConnectionLost, "engine restarted while task was running"))
				report.Failed++
			}
		}

		if g.AllTerminal() {
			e.checkWorkflowComplete(ctx, wf.ID)
			report.Finalized++
		}
	}

	e.sched.Restore(restore)
	return report, nil
}

// failTaskOnRecovery terminally fails one task found in a state that the
// recovery policy does not resume.
func (e *Engine) failTaskOnRecovery(ctx context.Context, g graphMarker, t *workflow.Task, werr *workflow.Error) {
	now := time.Now().UTC()
	updated, err := e.store.UpdateTaskStatus(ctx, t.WorkflowID, t.ID,
		workflow.TaskStatusFailed, func(task *workflow.Task) {
			task.LastError = werr
			task.CompletedAt = &now
		})
	if err != nil {
		e.logger.Error("recovery: fail task",
			"workflow_id", t.WorkflowID, "task_id", t.ID, "error", err)
		return
	}
	result := &workflow.TaskResult{
		TaskID:       updated.ID,
		WorkflowID:   updated.WorkflowID,
		Status:       workflow.TaskStatusFailed,
		Error:        werr,
		AttemptCount: updated.AttemptCount,
		StartedAt:    t.StartedAt,
		CompletedAt:  now,
	}
	if err := e.store.PutResult(ctx, result); err != nil {
		e.logger.Error("recovery: persist result",
			"workflow_id", t.WorkflowID, "task_id", t.ID, "error", err)
	}
	g.MarkTerminal(t.ID, workflow.TaskStatusFailed)
	e.bumpCounts(ctx, t.WorkflowID, func(c *workflow.Counts) { c.Failed++ }, werr)
}

// failWorkflowOnRecovery marks a workflow failed when its stored state is
// unusable.
func (e *Engine) failWorkflowOnRecovery(ctx context.Context, workflowID string, werr *workflow.Error) {
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflow(ctx, workflowID, func(wf *workflow.Workflow) error {
		if wf.Status.IsTerminal() {
			return nil
		}
		wf.Status = workflow.WorkflowStatusFailed
		if wf.FirstError == nil {
			wf.FirstError = werr
		}
		wf.CompletedAt = &now
		return nil
	}); err != nil {
		e.logger.Error("recovery: fail workflow", "workflow_id", workflowID, "error", err)
	}
	e.resolver.Drop(workflowID)
}

// graphMarker is the slice of the dependency graph recovery needs.
type graphMarker interface {
	MarkTerminal(taskID string, status workflow.TaskStatus)
}
