package engine

import (
	"context"
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// handleResponse correlates a provider answer with its in-flight dispatch.
// Unknown correlations are duplicates or late arrivals: logged and dropped,
// never mutating task state.
func (e *Engine) handleResponse(ctx context.Context, resp transport.TaskResponse) {
	corr := e.resolveCorrelation(resp.CorrelationID)
	if corr == nil {
		e.logger.Debug("dropping uncorrelated response",
			"correlation_id", resp.CorrelationID, "provider_id", resp.ProviderID)
		return
	}

	latency := time.Duration(resp.DurationMS) * time.Millisecond
	if latency <= 0 {
		latency = time.Since(corr.dispatchedAt)
	}
	e.registry.MarkOutcome(corr.providerID, resp.Status == transport.StatusOK, latency)

	if resp.Status == transport.StatusOK {
		e.completeTask(ctx, corr, resp, latency)
		return
	}
	e.failAttempt(ctx, corr, resp.Err())
}

// handleTimeout fires when a dispatch deadline passes without a response.
// Synthesizes a retryable provider_timeout failure and asks the provider to
// stop, best-effort.
func (e *Engine) handleTimeout(ctx context.Context, correlationID string) {
	corr := e.resolveCorrelation(correlationID)
	if corr == nil {
		return
	}
	e.registry.MarkOutcome(corr.providerID, false, 0)
	_ = e.bus.SendCancel(ctx, corr.providerID, transport.CancelRequest{
		CorrelationID: corr.id,
		WorkflowID:    corr.workflowID,
		TaskID:        corr.taskID,
	})
	e.failAttempt(ctx, corr, workflow.Errorf(workflow.CodeProviderTimeout,
		"no response from provider %s within deadline", corr.providerID))
}

// completeTask persists the result before the completed status so dependents
// never observe a completed dependency without a readable result.
func (e *Engine) completeTask(ctx context.Context, corr *correlation, resp transport.TaskResponse, latency time.Duration) {
	task, err := e.store.GetTask(ctx, corr.workflowID, corr.taskID)
	if err != nil {
		e.logger.Error("complete: load task",
			"workflow_id", corr.workflowID, "task_id", corr.taskID, "error", err)
		return
	}
	if task.Status != workflow.TaskStatusRunning {
		e.logger.Debug("complete: task no longer running",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "status", task.Status)
		return
	}

	now := time.Now().UTC()
	result := &workflow.TaskResult{
		TaskID:       task.ID,
		WorkflowID:   task.WorkflowID,
		Status:       workflow.TaskStatusCompleted,
		Result:       resp.Result,
		ProviderID:   corr.providerID,
		AttemptCount: task.AttemptCount,
		StartedAt:    task.StartedAt,
		CompletedAt:  now,
	}
	if task.StartedAt != nil {
		result.Duration = workflow.Duration(now.Sub(*task.StartedAt))
	}
	if err := e.store.PutResult(ctx, result); err != nil {
		e.logger.Error("complete: persist result",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
		// Without a durable result the completion must not be signaled;
		// treat as a transient persistence failure of this attempt.
		e.failAttempt(ctx, corr, workflow.Errorf(workflow.CodePersistenceTransient,
			"persist result: %v", err))
		return
	}

	if _, err := e.store.UpdateTaskStatus(ctx, task.WorkflowID, task.ID,
		workflow.TaskStatusCompleted, func(t *workflow.Task) {
			t.LastError = nil
			t.RecordAttempt(workflow.AttemptRecord{
				Attempt:    corr.attempt,
				ProviderID: corr.providerID,
				StartedAt:  corr.dispatchedAt,
				Duration:   workflow.Duration(latency),
			})
		}); err != nil {
		e.logger.Error("complete: persist status",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
		return
	}

	e.bumpCounts(ctx, task.WorkflowID, func(c *workflow.Counts) { c.Completed++ }, nil)
	e.metrics.TaskCompleted(task.Protocol, latency)
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Type:       transport.EventTaskCompleted,
	})
	e.logger.Info("task completed",
		"workflow_id", task.WorkflowID, "task_id", task.ID,
		"provider_id", corr.providerID, "attempt", corr.attempt)

	if g, ok := e.resolver.Graph(task.WorkflowID); ok {
		for _, readyID := range g.MarkCompleted(task.ID) {
			e.transitionReadyAndEnqueue(ctx, task.WorkflowID, readyID)
		}
	}
	e.checkWorkflowComplete(ctx, task.WorkflowID)
}

// failAttempt classifies a failed attempt: schedule a retry when the policy
// and budget allow, otherwise fail the task permanently.
func (e *Engine) failAttempt(ctx context.Context, corr *correlation, werr *workflow.Error) {
	task, err := e.store.GetTask(ctx, corr.workflowID, corr.taskID)
	if err != nil {
		e.logger.Error("fail attempt: load task",
			"workflow_id", corr.workflowID, "task_id", corr.taskID, "error", err)
		return
	}
	if task.Status != workflow.TaskStatusRunning {
		e.logger.Debug("fail attempt: task no longer running",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "status", task.Status)
		return
	}

	consume := e.cfg.consumesAttempt(werr.Code)
	attemptRec := workflow.AttemptRecord{
		Attempt:    corr.attempt,
		ProviderID: corr.providerID,
		StartedAt:  corr.dispatchedAt,
		Duration:   workflow.Duration(time.Since(corr.dispatchedAt)),
		Error:      werr,
	}

	charged := task.AttemptCount
	if !consume {
		charged--
	}
	if task.Retry.ShouldRetry(werr.Code, werr.Retryable) && charged < task.Retry.MaxAttempts {
		updated, err := e.store.UpdateTaskStatus(ctx, task.WorkflowID, task.ID,
			workflow.TaskStatusRetrying, func(t *workflow.Task) {
				t.RecordAttempt(attemptRec)
				t.LastError = werr
				if !consume {
					t.AttemptCount--
				}
			})
		if err != nil {
			e.logger.Error("fail attempt: persist retrying",
				"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
			return
		}
		nextAttempt := updated.AttemptCount + 1
		delay := e.nextRetryDelay(updated.Retry, nextAttempt)
		rec := storage.RetryRecord{
			WorkflowID: updated.WorkflowID,
			TaskID:     updated.ID,
			Attempt:    nextAttempt,
			FireAt:     time.Now().UTC().Add(delay),
			Code:       werr.Code,
		}
		if err := e.sched.Schedule(ctx, rec); err != nil {
			e.logger.Error("fail attempt: schedule retry",
				"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
			return
		}
		e.metrics.TaskRetried()
		e.emit(ctx, transport.WorkflowEvent{
			WorkflowID: updated.WorkflowID,
			TaskID:     updated.ID,
			Type:       transport.EventTaskRetrying,
			Error:      werr,
		})
		e.logger.Info("task retry scheduled",
			"workflow_id", updated.WorkflowID, "task_id", updated.ID,
			"attempt", nextAttempt, "delay", delay, "code", werr.Code)
		return
	}

	e.failTaskPermanently(ctx, task, attemptRec, werr)
}

// failTaskPermanently writes the terminal failure, poisons the downstream
// closure and applies the workflow failure strategy.
func (e *Engine) failTaskPermanently(ctx context.Context, task *workflow.Task, attemptRec workflow.AttemptRecord, werr *workflow.Error) {
	now := time.Now().UTC()
	updated, err := e.store.UpdateTaskStatus(ctx, task.WorkflowID, task.ID,
		workflow.TaskStatusFailed, func(t *workflow.Task) {
			if attemptRec.Attempt > 0 {
				t.RecordAttempt(attemptRec)
			}
			t.LastError = werr
		})
	if err != nil {
		e.logger.Error("fail task: persist status",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
		return
	}
	result := &workflow.TaskResult{
		TaskID:       updated.ID,
		WorkflowID:   updated.WorkflowID,
		Status:       workflow.TaskStatusFailed,
		Error:        werr,
		ProviderID:   attemptRec.ProviderID,
		AttemptCount: updated.AttemptCount,
		StartedAt:    updated.StartedAt,
		CompletedAt:  now,
	}
	if updated.StartedAt != nil {
		result.Duration = workflow.Duration(now.Sub(*updated.StartedAt))
	}
	if err := e.store.PutResult(ctx, result); err != nil {
		e.logger.Error("fail task: persist result",
			"workflow_id", task.WorkflowID, "task_id", task.ID, "error", err)
	}
	e.logger.Warn("task failed permanently",
		"workflow_id", updated.WorkflowID, "task_id", updated.ID,
		"code", werr.Code, "attempts", updated.AttemptCount)
	e.afterTaskFailed(ctx, updated, werr)
}

// afterTaskFailed records the failure on the aggregate, cancels the
// downstream closure and applies the workflow failure strategy.
func (e *Engine) afterTaskFailed(ctx context.Context, task *workflow.Task, werr *workflow.Error) {
	if g, ok := e.resolver.Graph(task.WorkflowID); ok {
		g.MarkTerminal(task.ID, workflow.TaskStatusFailed)
	}
	e.bumpCounts(ctx, task.WorkflowID, func(c *workflow.Counts) { c.Failed++ }, werr)
	e.metrics.TaskFailed(string(werr.Code))
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Type:       transport.EventTaskFailed,
		Error:      werr,
	})

	upstreamErr := workflow.Errorf(workflow.CodeUpstreamFailed,
		"dependency %q failed: %s", task.ID, werr.Message)
	if g, ok := e.resolver.Graph(task.WorkflowID); ok {
		for _, depID := range g.Downstream(task.ID) {
			e.cancelSingle(ctx, task.WorkflowID, depID, upstreamErr)
		}
	}

	strategy := e.workflowStrategy(ctx, task.WorkflowID)
	if strategy == workflow.FailFast {
		reason := workflow.Errorf(workflow.CodeCancelled,
			"workflow failed fast after task %q", task.ID)
		tasks, err := e.store.ListTasksByWorkflow(ctx, task.WorkflowID)
		if err != nil {
			e.logger.Error("fail fast: list tasks", "workflow_id", task.WorkflowID, "error", err)
		}
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				e.cancelSingle(ctx, task.WorkflowID, t.ID, reason)
			}
		}
	}

	e.checkWorkflowComplete(ctx, task.WorkflowID)
}

// cancelSingle cancels one non-terminal task, cleaning up whichever stage
// it was in. Returns false when the task was already terminal.
func (e *Engine) cancelSingle(ctx context.Context, workflowID, taskID string, reason *workflow.Error) bool {
	task, err := e.store.GetTask(ctx, workflowID, taskID)
	if err != nil {
		e.logger.Error("cancel: load task", "workflow_id", workflowID, "task_id", taskID, "error", err)
		return false
	}
	if task.Status.IsTerminal() {
		return false
	}

	switch task.Status {
	case workflow.TaskStatusQueued, workflow.TaskStatusReady:
		e.queue.Remove(workflowID, taskID)
		// A parked ready task may also hold a retry record.
		if err := e.sched.Cancel(ctx, workflowID, taskID); err != nil {
			e.logger.Warn("cancel: clear parked retry", "task_id", taskID, "error", err)
		}
	case workflow.TaskStatusRetrying:
		if err := e.sched.Cancel(ctx, workflowID, taskID); err != nil {
			e.logger.Warn("cancel: clear retry", "task_id", taskID, "error", err)
		}
	case workflow.TaskStatusRunning:
		if corrID, ok := e.corrByTask[taskKey{workflowID, taskID}]; ok {
			corr := e.resolveCorrelation(corrID)
			if corr != nil {
				_ = e.bus.SendCancel(ctx, corr.providerID, transport.CancelRequest{
					CorrelationID: corr.id,
					WorkflowID:    workflowID,
					TaskID:        taskID,
				})
			}
		}
	}

	now := time.Now().UTC()
	updated, err := e.store.UpdateTaskStatus(ctx, workflowID, taskID,
		workflow.TaskStatusCancelled, func(t *workflow.Task) {
			t.LastError = reason
		})
	if err != nil {
		e.logger.Error("cancel: persist status",
			"workflow_id", workflowID, "task_id", taskID, "error", err)
		return false
	}
	result := &workflow.TaskResult{
		TaskID:       taskID,
		WorkflowID:   workflowID,
		Status:       workflow.TaskStatusCancelled,
		Error:        reason,
		AttemptCount: updated.AttemptCount,
		StartedAt:    updated.StartedAt,
		CompletedAt:  now,
	}
	if err := e.store.PutResult(ctx, result); err != nil {
		e.logger.Error("cancel: persist result",
			"workflow_id", workflowID, "task_id", taskID, "error", err)
	}

	if g, ok := e.resolver.Graph(workflowID); ok {
		g.MarkTerminal(taskID, workflow.TaskStatusCancelled)
	}
	e.bumpCounts(ctx, workflowID, func(c *workflow.Counts) { c.Cancelled++ }, nil)
	e.metrics.TaskCancelled()
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: workflowID,
		TaskID:     taskID,
		Type:       transport.EventTaskCancelled,
		Error:      reason,
	})
	return true
}

// handleRetryDue moves a due retry back into the ready queue.
func (e *Engine) handleRetryDue(ctx context.Context, rec storage.RetryRecord) {
	task, err := e.store.GetTask(ctx, rec.WorkflowID, rec.TaskID)
	if err != nil {
		e.logger.Warn("retry due: task gone",
			"workflow_id", rec.WorkflowID, "task_id", rec.TaskID, "error", err)
		return
	}
	switch task.Status {
	case workflow.TaskStatusRetrying:
		updated, err := e.store.UpdateTaskStatus(ctx, rec.WorkflowID, rec.TaskID,
			workflow.TaskStatusReady, nil)
		if err != nil {
			e.logger.Error("retry due: transition to ready",
				"workflow_id", rec.WorkflowID, "task_id", rec.TaskID, "error", err)
			return
		}
		e.enqueueReady(ctx, updated)
	case workflow.TaskStatusReady:
		// Parked task (no provider, backpressure): status never left ready.
		e.enqueueReady(ctx, task)
	default:
		e.logger.Debug("retry due: task moved on",
			"workflow_id", rec.WorkflowID, "task_id", rec.TaskID, "status", task.Status)
	}
}

// bumpCounts updates the workflow aggregate, recording the first permanent
// error when firstErr is non-nil.
func (e *Engine) bumpCounts(ctx context.Context, workflowID string, mutate func(*workflow.Counts), firstErr *workflow.Error) {
	_, err := e.store.UpdateWorkflow(ctx, workflowID, func(wf *workflow.Workflow) error {
		mutate(&wf.Counts)
		if firstErr != nil && wf.FirstError == nil {
			wf.FirstError = firstErr
		}
		return nil
	})
	if err != nil {
		e.logger.Error("update workflow counts", "workflow_id", workflowID, "error", err)
	}
}

// workflowStrategy reads the failure strategy off the aggregate, falling
// back to the engine default.
func (e *Engine) workflowStrategy(ctx context.Context, workflowID string) workflow.FailureStrategy {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return e.cfg.DefaultStrategy
	}
	if wf.Strategy == "" {
		return e.cfg.DefaultStrategy
	}
	return wf.Strategy
}

// checkWorkflowComplete finalizes the aggregate once every member task is
// terminal. Per-workflow ordering holds because only the loop writes.
func (e *Engine) checkWorkflowComplete(ctx context.Context, workflowID string) {
	g, ok := e.resolver.Graph(workflowID)
	if !ok || !g.AllTerminal() {
		return
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Error("finalize: load workflow", "workflow_id", workflowID, "error", err)
		return
	}
	if wf.Status.IsTerminal() {
		e.resolver.Drop(workflowID)
		return
	}

	final := workflow.WorkflowStatusCompleted
	eventType := transport.EventWorkflowCompleted
	strategy := wf.Strategy
	if strategy == "" {
		strategy = e.cfg.DefaultStrategy
	}
	if wf.Counts.Failed > 0 && strategy == workflow.FailFast {
		final = workflow.WorkflowStatusFailed
		eventType = transport.EventWorkflowFailed
	}

	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflow(ctx, workflowID, func(w *workflow.Workflow) error {
		if !w.Status.CanTransitionTo(final) {
			return storage.ErrInvalidTransition
		}
		w.Status = final
		w.CompletedAt = &now
		return nil
	}); err != nil {
		e.logger.Error("finalize: persist workflow", "workflow_id", workflowID, "error", err)
		return
	}

	e.resolver.Drop(workflowID)
	e.metrics.WorkflowFinished(string(final))
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: workflowID,
		Type:       eventType,
		Error:      wf.FirstError,
	})
	e.logger.Info("workflow finished",
		"workflow_id", workflowID, "status", final,
		"completed", wf.Counts.Completed, "failed", wf.Counts.Failed,
		"cancelled", wf.Counts.Cancelled)
}
