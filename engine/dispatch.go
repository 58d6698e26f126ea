package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gleitzeit/gleitzeit/queue"
	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/scheduler"
	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// dispatchReady drains the ready queue while concurrency budget remains.
// Runs after every loop event; cheap when there is nothing to do.
func (e *Engine) dispatchReady(ctx context.Context) {
	for e.runningCount < e.cfg.MaxConcurrentTasks {
		entry, ok := e.queue.Next()
		if !ok {
			return
		}
		e.dispatchOne(ctx, entry)
	}
}

// dispatchOne runs the admission pipeline for one popped entry:
// substitute, validate, select, persist running, send, arm timeout.
// The send happens only after the running-state persist succeeds.
func (e *Engine) dispatchOne(ctx context.Context, entry queue.Entry) {
	task, err := e.store.GetTask(ctx, entry.WorkflowID, entry.TaskID)
	if err != nil {
		e.logger.Error("dispatch: load task",
			"workflow_id", entry.WorkflowID, "task_id", entry.TaskID, "error", err)
		return
	}
	if task.Status != workflow.TaskStatusReady {
		// Stale entry: the task moved on (cancelled, workflow dropped).
		e.logger.Debug("dispatch: skipping stale entry",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "status", task.Status)
		return
	}

	params, err := e.resolver.Substitute(task, func(depID string) (map[string]any, bool) {
		res, err := e.store.GetResult(ctx, task.WorkflowID, depID)
		if err != nil || res.Status != workflow.TaskStatusCompleted {
			return nil, false
		}
		return res.Result, true
	})
	if err != nil {
		e.failBeforeRun(ctx, task, workflow.FromErr(err))
		return
	}

	protocolID := task.Protocol
	if verr := e.registry.ValidateParams(protocolID, task.Method, params); verr != nil {
		e.failBeforeRun(ctx, task, verr)
		return
	}

	view, err := e.registry.Select(protocolID, task.Method, nil)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownProtocol):
			e.failBeforeRun(ctx, task, workflow.Errorf(workflow.CodeUnknownProtocol,
				"no protocol %q registered", protocolID))
		case errors.Is(err, registry.ErrUnknownMethod):
			e.failBeforeRun(ctx, task, workflow.Errorf(workflow.CodeUnknownMethod,
				"protocol %q has no method %q", protocolID, task.Method))
		default:
			// Known method, nobody serving it right now. Park without
			// consuming an attempt.
			e.park(ctx, task, workflow.CodeNoProviderTransient, e.cfg.NoProviderRetryDelay)
		}
		return
	}

	updated, err := e.store.UpdateTaskStatus(ctx, task.WorkflowID, task.ID,
		workflow.TaskStatusRunning, func(t *workflow.Task) {
			t.AttemptCount++
		})
	if err != nil {
		e.logger.Error("dispatch: persist running state",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
		e.park(ctx, task, workflow.CodePersistenceTransient, e.cfg.NoProviderRetryDelay)
		return
	}
	task = updated

	timeout := task.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DispatchTimeout
	}
	now := time.Now().UTC()
	corr := &correlation{
		id:           uuid.NewString(),
		workflowID:   task.WorkflowID,
		taskID:       task.ID,
		providerID:   view.ProviderID,
		protocol:     task.Protocol,
		attempt:      task.AttemptCount,
		dispatchedAt: now,
		deadline:     now.Add(timeout),
	}
	e.registry.MarkDispatched(view.ProviderID)
	e.trackCorrelation(corr, timeout)

	req := transport.TaskRequest{
		CorrelationID: corr.id,
		WorkflowID:    task.WorkflowID,
		TaskID:        task.ID,
		Attempt:       task.AttemptCount,
		Protocol:      task.Protocol,
		Method:        task.Method,
		Params:        params,
		TimeoutMS:     timeout.Milliseconds(),
	}
	if err := e.bus.SendRequest(ctx, view.ProviderID, req); err != nil {
		e.logger.Warn("dispatch: send failed",
			"workflow_id", task.WorkflowID, "task_id", task.ID,
			"provider_id", view.ProviderID, "error", err)
		e.resolveCorrelation(corr.id)
		e.registry.MarkOutcome(view.ProviderID, false, 0)
		e.failAttempt(ctx, corr, workflow.Errorf(workflow.CodeConnectionLost,
			"send to provider %s failed: %v", view.ProviderID, err))
		return
	}

	e.markWorkflowRunning(ctx, task.WorkflowID)
	e.metrics.TaskDispatched(task.Protocol)
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Type:       transport.EventTaskStarted,
	})
	e.logger.Debug("task dispatched",
		"workflow_id", task.WorkflowID, "task_id", task.ID,
		"provider_id", view.ProviderID, "attempt", task.AttemptCount)
}

// park reschedules a ready task without consuming an attempt. The task
// keeps its ready status; the fired retry record re-enqueues it.
func (e *Engine) park(ctx context.Context, task *workflow.Task, code workflow.ErrorCode, delay time.Duration) {
	rec := storage.RetryRecord{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Attempt:    task.AttemptCount + 1,
		FireAt:     time.Now().UTC().Add(delay),
		Code:       code,
	}
	if err := e.sched.Schedule(ctx, rec); err != nil {
		e.logger.Error("park: schedule retry",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
		// Fall back to immediate re-enqueue; worst case the task spins on
		// the same condition at dispatch rate.
		e.enqueueReady(ctx, task)
		return
	}
	e.logger.Debug("task parked",
		"workflow_id", task.WorkflowID, "task_id", task.ID, "code", code, "delay", delay)
}

// enqueueReady puts a ready task into the queue, parking it on overflow.
func (e *Engine) enqueueReady(ctx context.Context, task *workflow.Task) {
	added, err := e.queue.Enqueue(queue.Entry{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Priority:   task.Priority,
	})
	if err != nil {
		// Queue at capacity: backpressure, no attempt consumed.
		e.park(ctx, task, workflow.CodeQueueFull, e.cfg.NoProviderRetryDelay)
		return
	}
	if added {
		e.metrics.TaskEnqueued(string(task.Priority))
	}
}

// transitionReadyAndEnqueue moves a queued task to ready and enqueues it.
func (e *Engine) transitionReadyAndEnqueue(ctx context.Context, workflowID, taskID string) {
	updated, err := e.store.UpdateTaskStatus(ctx, workflowID, taskID,
		workflow.TaskStatusReady, nil)
	if err != nil {
		e.logger.Error("transition to ready",
			"workflow_id", workflowID, "task_id", taskID, "error", err)
		return
	}
	e.enqueueReady(ctx, updated)
}

// markWorkflowRunning records the first dispatch on the aggregate.
func (e *Engine) markWorkflowRunning(ctx context.Context, workflowID string) {
	_, err := e.store.UpdateWorkflow(ctx, workflowID, func(wf *workflow.Workflow) error {
		if wf.Status != workflow.WorkflowStatusQueued {
			return nil
		}
		wf.Status = workflow.WorkflowStatusRunning
		now := time.Now().UTC()
		wf.StartedAt = &now
		return nil
	})
	if err != nil {
		e.logger.Warn("mark workflow running", "workflow_id", workflowID, "error", err)
	}
}

// failBeforeRun fails a ready task that never reached a provider:
// substitution, schema validation or catalog failures. No attempt is
// consumed; the ready->failed write bypasses the transition table because
// the status machine models only dispatched failures.
func (e *Engine) failBeforeRun(ctx context.Context, task *workflow.Task, werr *workflow.Error) {
	now := time.Now().UTC()
	task.Status = workflow.TaskStatusFailed
	task.LastError = werr
	task.CompletedAt = &now
	if err := e.store.PutTask(ctx, task); err != nil {
		e.logger.Error("fail before run: persist task",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
	}
	result := &workflow.TaskResult{
		TaskID:       task.ID,
		WorkflowID:   task.WorkflowID,
		Status:       workflow.TaskStatusFailed,
		Error:        werr,
		AttemptCount: task.AttemptCount,
		StartedAt:    task.StartedAt,
		CompletedAt:  now,
	}
	if err := e.store.PutResult(ctx, result); err != nil {
		e.logger.Error("fail before run: persist result",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
	}
	e.logger.Warn("task failed before dispatch",
		"workflow_id", task.WorkflowID, "task_id", task.ID,
		"code", werr.Code, "error", werr.Message)
	e.afterTaskFailed(ctx, task, werr)
}

// nextRetryDelay computes the backoff for the coming attempt.
func (e *Engine) nextRetryDelay(policy workflow.RetryPolicy, attempt int) time.Duration {
	return scheduler.Delay(policy, attempt, e.rng)
}
