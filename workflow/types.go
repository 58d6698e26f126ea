// Package workflow defines the Gleitzeit data model: workflows, tasks,
// results, the status machines that govern their lifecycle, and the
// document format workflows are ingested from.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Priority orders tasks in the ready queue. Higher priorities are always
// dispatched before lower ones; within a priority dispatch is FIFO.
type Priority string

const (
	// PriorityLow is background work.
	PriorityLow Priority = "low"
	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"
	// PriorityHigh jumps ahead of normal traffic.
	PriorityHigh Priority = "high"
	// PriorityUrgent preempts everything else in the queue.
	PriorityUrgent Priority = "urgent"
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	return string(p)
}

// IsValid returns true if the priority is one of the known levels.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering of the priority, higher is sooner.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// ParsePriority parses s into a Priority. Empty input yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Priorities lists all levels from highest to lowest rank.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// TaskStatus represents the current state of a task in its lifecycle.
type TaskStatus string

const (
	// TaskStatusCreated indicates the task has been built but not yet accepted.
	TaskStatusCreated TaskStatus = "created"
	// TaskStatusQueued indicates the task is accepted but has unmet dependencies.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusReady indicates all dependencies completed; the task is in the ready queue.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task has been dispatched to a provider.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusRetrying indicates the task failed and is waiting for its next attempt.
	TaskStatusRetrying TaskStatus = "retrying"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusQueued, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskStatusCreated:
		return target == TaskStatusQueued
	case TaskStatusQueued:
		return target == TaskStatusReady || target == TaskStatusCancelled
	case TaskStatusReady:
		return target == TaskStatusRunning || target == TaskStatusCancelled
	case TaskStatusRunning:
		return target == TaskStatusCompleted || target == TaskStatusFailed ||
			target == TaskStatusRetrying || target == TaskStatusCancelled
	case TaskStatusRetrying:
		return target == TaskStatusReady || target == TaskStatusCancelled
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// WorkflowStatus represents the aggregate state of a workflow.
type WorkflowStatus string

const (
	// WorkflowStatusCreated indicates the workflow has been built but not yet accepted.
	WorkflowStatusCreated WorkflowStatus = "created"
	// WorkflowStatusQueued indicates the workflow is accepted and its tasks are seeded.
	WorkflowStatusQueued WorkflowStatus = "queued"
	// WorkflowStatusRunning indicates at least one task has started.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusCompleted indicates every task reached a terminal state without
	// poisoning the workflow.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusFailed indicates a task failed permanently under the fail-fast strategy.
	WorkflowStatusFailed WorkflowStatus = "failed"
	// WorkflowStatusCancelled indicates the workflow was cancelled.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// String returns the string representation of the status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusCreated, WorkflowStatusQueued, WorkflowStatusRunning,
		WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	switch s {
	case WorkflowStatusCreated:
		return target == WorkflowStatusQueued || target == WorkflowStatusCancelled
	case WorkflowStatusQueued:
		return target == WorkflowStatusRunning || target == WorkflowStatusCancelled ||
			target == WorkflowStatusCompleted || target == WorkflowStatusFailed
	case WorkflowStatusRunning:
		return target == WorkflowStatusCompleted || target == WorkflowStatusFailed ||
			target == WorkflowStatusCancelled
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// FailureStrategy controls whether one permanently failed task poisons
// the whole workflow.
type FailureStrategy string

const (
	// FailFast cancels every remaining task and fails the workflow on the
	// first permanent task failure.
	FailFast FailureStrategy = "fail_fast"
	// ContinueOnError cancels only the failed task's dependents; independent
	// tasks keep running and the workflow completes with failure counts.
	ContinueOnError FailureStrategy = "continue"
)

// IsValid returns true if the strategy is known.
func (f FailureStrategy) IsValid() bool {
	return f == FailFast || f == ContinueOnError
}

// Duration wraps time.Duration with human-readable JSON and YAML forms
// ("30s", "5m"). Plain integers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}
