package transport

import (
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Client API payloads. These ride request-reply (core NATS or the inmem
// equivalent), not the envelope stream.

// SubmitRequest carries a workflow document for ingestion. Source is the raw
// YAML or JSON document; the engine parses and validates it.
type SubmitRequest struct {
	Source []byte `json:"source"`

	// SourcePath, when set, resolves relative file references in the
	// document (batch globs, python file params).
	SourcePath string `json:"source_path,omitempty"`

	// WorkflowID overrides the generated id. Optional.
	WorkflowID string `json:"workflow_id,omitempty"`
}

// SubmitReply acknowledges ingestion or reports why it was rejected.
type SubmitReply struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	TaskCount  int             `json:"task_count,omitempty"`
	Error      *workflow.Error `json:"error,omitempty"`
}

// StatusRequest asks for one workflow's aggregate and per-task status.
type StatusRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// TaskStatusEntry is one task's line in a status report.
type TaskStatusEntry struct {
	TaskID       string              `json:"task_id"`
	Status       workflow.TaskStatus `json:"status"`
	AttemptCount int                 `json:"attempt_count"`
	Error        *workflow.Error     `json:"error,omitempty"`
}

// StatusReport is the loop-consistent snapshot of one workflow.
type StatusReport struct {
	WorkflowID  string                  `json:"workflow_id"`
	Status      workflow.WorkflowStatus `json:"status"`
	Counts      workflow.Counts         `json:"counts"`
	Tasks       []TaskStatusEntry       `json:"tasks"`
	SubmittedAt time.Time               `json:"submitted_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Error       *workflow.Error         `json:"error,omitempty"`
}

// StatusReply wraps a report or the lookup error.
type StatusReply struct {
	Report *StatusReport   `json:"report,omitempty"`
	Error  *workflow.Error `json:"error,omitempty"`
}

// ResultsRequest asks for the stored results of one workflow.
type ResultsRequest struct {
	WorkflowID string `json:"workflow_id"`
}

// ResultsReply maps task id to its result.
type ResultsReply struct {
	Results map[string]*workflow.TaskResult `json:"results,omitempty"`
	Error   *workflow.Error                 `json:"error,omitempty"`
}

// CancelCommand cancels a whole workflow, or a single task when TaskID is
// set.
type CancelCommand struct {
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id,omitempty"`
}

// CancelReply reports the cancellation outcome.
type CancelReply struct {
	// AlreadyTerminal is true when the target had already finished; the
	// command is then a no-op, not an error.
	AlreadyTerminal bool            `json:"already_terminal,omitempty"`
	Error           *workflow.Error `json:"error,omitempty"`
}
