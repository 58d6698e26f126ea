package workflow

import (
	"fmt"
	"time"
)

// Counts aggregates terminal task outcomes on a workflow.
type Counts struct {
	// Total is the number of tasks in the workflow.
	Total int `json:"total"`

	// Completed is the number of successfully finished tasks.
	Completed int `json:"completed"`

	// Failed is the number of permanently failed tasks.
	Failed int `json:"failed"`

	// Cancelled is the number of cancelled tasks, including upstream-failure
	// cancellations.
	Cancelled int `json:"cancelled"`
}

// Terminal returns how many tasks have reached a terminal state.
func (c Counts) Terminal() int {
	return c.Completed + c.Failed + c.Cancelled
}

// AllTerminal reports whether every task is finished.
func (c Counts) AllTerminal() bool {
	return c.Total > 0 && c.Terminal() >= c.Total
}

// Workflow is a named collection of tasks with dependencies, executed as
// one aggregate.
type Workflow struct {
	// ID is the globally unique workflow identifier.
	ID string `json:"id"`

	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`

	// Description explains what the workflow does.
	Description string `json:"description,omitempty"`

	// Status is the aggregate lifecycle state.
	Status WorkflowStatus `json:"status"`

	// Priority is the default priority for tasks that do not set their own.
	Priority Priority `json:"priority"`

	// Strategy controls failure poisoning for this workflow.
	Strategy FailureStrategy `json:"strategy"`

	// TaskIDs lists member tasks in document order.
	TaskIDs []string `json:"task_ids"`

	// Counts aggregates terminal task outcomes.
	Counts Counts `json:"counts"`

	// FirstError is the failure that poisoned the workflow, if any.
	FirstError *Error `json:"first_error,omitempty"`

	// Source records where the workflow came from (API, file watcher).
	Source string `json:"source,omitempty"`

	// CreatedAt is when the workflow was accepted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the first task was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the workflow reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the workflow's own fields.
func (w *Workflow) Validate() error {
	var errs ValidationErrors
	if w.ID == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "must not be empty"})
	}
	if !w.Status.IsValid() {
		errs = append(errs, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", w.Status)})
	}
	if !w.Priority.IsValid() {
		errs = append(errs, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", w.Priority)})
	}
	if !w.Strategy.IsValid() {
		errs = append(errs, ValidationError{Field: "strategy", Message: fmt.Sprintf("unknown strategy %q", w.Strategy)})
	}
	if len(w.TaskIDs) == 0 {
		errs = append(errs, ValidationError{Field: "task_ids", Message: "workflow must contain at least one task"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	dup := *w
	dup.TaskIDs = append([]string(nil), w.TaskIDs...)
	dup.FirstError = w.FirstError.Clone()
	if w.StartedAt != nil {
		started := *w.StartedAt
		dup.StartedAt = &started
	}
	if w.CompletedAt != nil {
		completed := *w.CompletedAt
		dup.CompletedAt = &completed
	}
	return &dup
}
