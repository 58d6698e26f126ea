package engine

import (
	"context"
	"errors"
	"time"

	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// Submit ingests a workflow document from an in-process caller (CLI,
// watcher, tests), going through the same loop path as bus submissions.
func (e *Engine) Submit(ctx context.Context, req transport.SubmitRequest) transport.SubmitReply {
	reply := make(chan transport.SubmitReply, 1)
	if err := e.post(ctx, evSubmit{req: req, reply: reply}); err != nil {
		return transport.SubmitReply{Error: workflow.FromErr(err)}
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return transport.SubmitReply{Error: workflow.FromErr(ctx.Err())}
	}
}

// handleSubmit ingests a workflow document: parse, build, cycle-check,
// persist, seed the ready queue. Rejections leave no state behind.
func (e *Engine) handleSubmit(ctx context.Context, req transport.SubmitRequest) transport.SubmitReply {
	doc, err := workflow.ParseDocument(req.Source)
	if err != nil {
		return transport.SubmitReply{Error: workflow.FromErr(err)}
	}

	source := req.SourcePath
	if source == "" {
		source = "api"
	}
	wf, tasks, err := doc.Build(workflow.BuildOptions{
		WorkflowID:      req.WorkflowID,
		RetryDefaults:   e.cfg.RetryDefaults,
		DefaultStrategy: e.cfg.DefaultStrategy,
		Source:          source,
	})
	if err != nil {
		return transport.SubmitReply{Error: workflow.FromErr(err)}
	}

	if _, err := e.store.GetWorkflow(ctx, wf.ID); err == nil {
		return transport.SubmitReply{Error: workflow.Errorf(workflow.CodeInvalidWorkflow,
			"workflow id %q already exists", wf.ID)}
	}

	// Cycle and dangling-dependency detection happen here, before any
	// persistence.
	g, err := e.resolver.AddWorkflow(wf.ID, tasks)
	if err != nil {
		return transport.SubmitReply{Error: workflow.FromErr(err)}
	}

	wf.Status = workflow.WorkflowStatusQueued
	if err := e.store.PutWorkflow(ctx, wf); err != nil {
		e.resolver.Drop(wf.ID)
		return transport.SubmitReply{Error: workflow.Errorf(workflow.CodePersistenceTransient,
			"persist workflow: %v", err)}
	}
	for _, t := range tasks {
		t.Status = workflow.TaskStatusQueued
		if err := e.store.PutTask(ctx, t); err != nil {
			e.resolver.Drop(wf.ID)
			return transport.SubmitReply{Error: workflow.Errorf(workflow.CodePersistenceTransient,
				"persist task %s: %v", t.ID, err)}
		}
	}

	for _, readyID := range g.Ready() {
		e.transitionReadyAndEnqueue(ctx, wf.ID, readyID)
	}

	e.metrics.WorkflowSubmitted()
	e.logger.Info("workflow submitted",
		"workflow_id", wf.ID, "name", wf.Name, "tasks", len(tasks), "source", source)
	return transport.SubmitReply{WorkflowID: wf.ID, TaskCount: len(tasks)}
}

// handleStatus builds a loop-consistent snapshot of one workflow.
func (e *Engine) handleStatus(ctx context.Context, req transport.StatusRequest) transport.StatusReply {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return transport.StatusReply{Error: e.lookupError(req.WorkflowID, err)}
	}
	tasks, err := e.store.ListTasksByWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return transport.StatusReply{Error: workflow.FromErr(err)}
	}

	byID := make(map[string]*workflow.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	entries := make([]transport.TaskStatusEntry, 0, len(tasks))
	for _, id := range wf.TaskIDs {
		t, ok := byID[id]
		if !ok {
			continue
		}
		entries = append(entries, transport.TaskStatusEntry{
			TaskID:       t.ID,
			Status:       t.Status,
			AttemptCount: t.AttemptCount,
			Error:        t.LastError,
		})
	}

	return transport.StatusReply{Report: &transport.StatusReport{
		WorkflowID:  wf.ID,
		Status:      wf.Status,
		Counts:      wf.Counts,
		Tasks:       entries,
		SubmittedAt: wf.CreatedAt,
		CompletedAt: wf.CompletedAt,
		Error:       wf.FirstError,
	}}
}

// handleResults returns every stored terminal result of a workflow.
func (e *Engine) handleResults(ctx context.Context, req transport.ResultsRequest) transport.ResultsReply {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return transport.ResultsReply{Error: e.lookupError(req.WorkflowID, err)}
	}
	results := make(map[string]*workflow.TaskResult, len(wf.TaskIDs))
	for _, taskID := range wf.TaskIDs {
		res, err := e.store.GetResult(ctx, wf.ID, taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return transport.ResultsReply{Error: workflow.FromErr(err)}
		}
		results[taskID] = res
	}
	return transport.ResultsReply{Results: results}
}

// handleCancel cancels a workflow, or a single task when TaskID is set.
// Cancelling an already-terminal target is an idempotent no-op.
func (e *Engine) handleCancel(ctx context.Context, cmd transport.CancelCommand) transport.CancelReply {
	if cmd.TaskID != "" {
		return e.cancelTaskCommand(ctx, cmd)
	}
	return e.cancelWorkflowCommand(ctx, cmd.WorkflowID)
}

func (e *Engine) cancelTaskCommand(ctx context.Context, cmd transport.CancelCommand) transport.CancelReply {
	task, err := e.store.GetTask(ctx, cmd.WorkflowID, cmd.TaskID)
	if err != nil {
		return transport.CancelReply{Error: e.lookupError(cmd.TaskID, err)}
	}
	if task.Status.IsTerminal() {
		return transport.CancelReply{AlreadyTerminal: true}
	}

	reason := workflow.NewError(workflow.CodeCancelled, "cancelled by request")
	if !e.cancelSingle(ctx, cmd.WorkflowID, cmd.TaskID, reason) {
		return transport.CancelReply{AlreadyTerminal: true}
	}

	// Dependents can never become ready once the task is cancelled.
	upstreamErr := workflow.Errorf(workflow.CodeUpstreamFailed,
		"dependency %q was cancelled", cmd.TaskID)
	if g, ok := e.resolver.Graph(cmd.WorkflowID); ok {
		for _, depID := range g.Downstream(cmd.TaskID) {
			e.cancelSingle(ctx, cmd.WorkflowID, depID, upstreamErr)
		}
	}
	e.checkWorkflowComplete(ctx, cmd.WorkflowID)
	return transport.CancelReply{}
}

func (e *Engine) cancelWorkflowCommand(ctx context.Context, workflowID string) transport.CancelReply {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return transport.CancelReply{Error: e.lookupError(workflowID, err)}
	}
	if wf.Status.IsTerminal() {
		return transport.CancelReply{AlreadyTerminal: true}
	}

	reason := workflow.NewError(workflow.CodeCancelled, "workflow cancelled by request")
	tasks, err := e.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return transport.CancelReply{Error: workflow.FromErr(err)}
	}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			e.cancelSingle(ctx, workflowID, t.ID, reason)
		}
	}

	e.queue.RemoveWorkflow(workflowID)
	if err := e.sched.CancelWorkflow(ctx, workflowID); err != nil {
		e.logger.Warn("cancel workflow: clear retries", "workflow_id", workflowID, "error", err)
	}

	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflow(ctx, workflowID, func(w *workflow.Workflow) error {
		if w.Status.IsTerminal() {
			return nil
		}
		w.Status = workflow.WorkflowStatusCancelled
		w.CompletedAt = &now
		return nil
	}); err != nil {
		return transport.CancelReply{Error: workflow.FromErr(err)}
	}

	e.resolver.Drop(workflowID)
	e.metrics.WorkflowFinished(string(workflow.WorkflowStatusCancelled))
	e.emit(ctx, transport.WorkflowEvent{
		WorkflowID: workflowID,
		Type:       transport.EventWorkflowCancelled,
	})
	e.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return transport.CancelReply{}
}

// lookupError maps a store miss onto the wire taxonomy.
func (e *Engine) lookupError(id string, err error) *workflow.Error {
	if errors.Is(err, storage.ErrNotFound) {
		return workflow.Errorf(workflow.CodeInvalidWorkflow, "unknown id %q", id)
	}
	return workflow.FromErr(err)
}
