package workflow

import (
	"fmt"
	"time"
)

// TaskResult is the canonical terminal outcome of a task. Intermediate
// failed attempts live on the task's attempt records, not here.
type TaskResult struct {
	// TaskID is the task this result belongs to.
	TaskID string `json:"task_id"`

	// WorkflowID is the owning workflow.
	WorkflowID string `json:"workflow_id"`

	// Status is the terminal state: completed, failed or cancelled.
	Status TaskStatus `json:"status"`

	// Result is the provider payload. Present only when completed.
	Result map[string]any `json:"result,omitempty"`

	// Error describes the failure. Present when failed or cancelled.
	Error *Error `json:"error,omitempty"`

	// ProviderID is the session that produced the final outcome, if any.
	ProviderID string `json:"provider_id,omitempty"`

	// AttemptCount is the total number of dispatches.
	AttemptCount int `json:"attempt_count"`

	// StartedAt is when the first attempt was dispatched. Nil when the task
	// was cancelled before ever running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the terminal state was reached.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is total wall time from first dispatch to terminal state.
	Duration Duration `json:"duration,omitempty"`
}

// Validate checks the result's structural invariants.
func (r *TaskResult) Validate() error {
	var errs ValidationErrors
	if r.TaskID == "" {
		errs = append(errs, ValidationError{Field: "task_id", Message: "must not be empty"})
	}
	if r.WorkflowID == "" {
		errs = append(errs, ValidationError{Field: "workflow_id", Message: "must not be empty"})
	}
	if !r.Status.IsTerminal() {
		errs = append(errs, ValidationError{Field: "status", Message: fmt.Sprintf("result status must be terminal, got %q", r.Status)})
	}
	if r.Status == TaskStatusCompleted && r.Error != nil {
		errs = append(errs, ValidationError{Field: "error", Message: "completed result must not carry an error"})
	}
	if r.Status != TaskStatusCompleted && r.Result != nil {
		errs = append(errs, ValidationError{Field: "result", Message: "only completed results carry a payload"})
	}
	if (r.Status == TaskStatusFailed || r.Status == TaskStatusCancelled) && r.Error == nil {
		errs = append(errs, ValidationError{Field: "error", Message: fmt.Sprintf("%s result must carry an error", r.Status)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the result.
func (r *TaskResult) Clone() *TaskResult {
	dup := *r
	dup.Result = CloneMap(r.Result)
	dup.Error = r.Error.Clone()
	if r.StartedAt != nil {
		started := *r.StartedAt
		dup.StartedAt = &started
	}
	return &dup
}
