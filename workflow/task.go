package workflow

import (
	"fmt"
	"time"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	// BackoffFixed waits base_delay before every retry.
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffLinear waits base_delay multiplied by the retry number.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential doubles the delay for every retry.
	BackoffExponential BackoffStrategy = "exponential"
)

// IsValid returns true if the strategy is known.
func (b BackoffStrategy) IsValid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	default:
		return false
	}
}

// Default retry policy values applied by RetryPolicy.Normalize.
const (
	DefaultMaxAttempts = 1
	DefaultBaseDelay   = Duration(time.Second)
	DefaultMaxDelay    = Duration(60 * time.Second)
)

// RetryPolicy bounds how often and how quickly a failed task is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of dispatches allowed, including the
	// first. 1 means no retries.
	MaxAttempts int `json:"max_attempts"`

	// Strategy selects the backoff curve.
	Strategy BackoffStrategy `json:"strategy"`

	// BaseDelay seeds the backoff curve.
	BaseDelay Duration `json:"base_delay"`

	// MaxDelay caps every computed delay.
	MaxDelay Duration `json:"max_delay"`

	// Jitter randomizes delays within ±50% of nominal. Nil means enabled.
	Jitter *bool `json:"jitter,omitempty"`

	// RetryOn restricts retries to the listed error codes. Empty means every
	// retryable code qualifies.
	RetryOn []ErrorCode `json:"retry_on,omitempty"`
}

// ShouldRetry reports whether a failure with the given code and retryable
// flag qualifies for another attempt under this policy. The attempt budget
// is checked separately.
func (p RetryPolicy) ShouldRetry(code ErrorCode, retryable bool) bool {
	if !retryable {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}

// JitterEnabled reports whether delays are randomized. Defaults to true.
func (p RetryPolicy) JitterEnabled() bool {
	return p.Jitter == nil || *p.Jitter
}

// Normalize fills zero fields with defaults and returns the result.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Strategy == "" {
		p.Strategy = BackoffExponential
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	return p
}

// Validate checks the policy after normalization.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if !p.Strategy.IsValid() {
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay %s is below base_delay %s", p.MaxDelay, p.BaseDelay)
	}
	for _, c := range p.RetryOn {
		if !c.IsValid() {
			return fmt.Errorf("retry_on lists unknown error code %q", c)
		}
	}
	return nil
}

// AttemptRecord captures the outcome of a single dispatch attempt. Failed
// attempts are kept on the task for inspection; only the final outcome
// becomes the canonical TaskResult.
type AttemptRecord struct {
	// Attempt is the 1-based dispatch number.
	Attempt int `json:"attempt"`

	// ProviderID is the session that executed the attempt, if any.
	ProviderID string `json:"provider_id,omitempty"`

	// StartedAt is when the attempt was dispatched.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the attempt ran.
	Duration Duration `json:"duration,omitempty"`

	// Error records why the attempt failed.
	Error *Error `json:"error,omitempty"`
}

// Task is a single unit of work inside a workflow.
type Task struct {
	// ID identifies the task within its workflow. Task IDs are the
	// substitution namespace, so they must be unique per workflow.
	ID string `json:"id"`

	// WorkflowID is the owning workflow.
	WorkflowID string `json:"workflow_id"`

	// Name is an optional human-readable label.
	Name string `json:"name,omitempty"`

	// Protocol is the capability namespace, e.g. "llm/v1".
	Protocol string `json:"protocol"`

	// Method is the operation within the protocol, e.g. "chat".
	Method string `json:"method"`

	// Params is the method payload. String values may contain ${task.path}
	// substitution tokens; the stored params stay un-substituted.
	Params Params `json:"params,omitempty"`

	// Priority orders the task in the ready queue.
	Priority Priority `json:"priority"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// DependsOn lists task IDs that must complete before this task is ready.
	DependsOn []string `json:"depends_on,omitempty"`

	// Retry bounds re-dispatch after retryable failures.
	Retry RetryPolicy `json:"retry"`

	// Timeout is the per-attempt execution deadline. Zero means the engine
	// default.
	Timeout Duration `json:"timeout,omitempty"`

	// AttemptCount is the number of dispatches so far.
	AttemptCount int `json:"attempt_count"`

	// Attempts records the outcome of every finished attempt.
	Attempts []AttemptRecord `json:"attempts,omitempty"`

	// LastError is the most recent failure, terminal or not.
	LastError *Error `json:"last_error,omitempty"`

	// CreatedAt is when the task was accepted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the first attempt was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the task's own fields. Cross-task checks (dependency
// references, cycles) happen at the workflow level.
func (t *Task) Validate() error {
	var errs ValidationErrors
	if t.ID == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "must not be empty"})
	} else if !ValidTaskID(t.ID) {
		errs = append(errs, ValidationError{Field: "id", Message: fmt.Sprintf("invalid task id %q", t.ID)})
	}
	if t.WorkflowID == "" {
		errs = append(errs, ValidationError{Field: "workflow_id", Message: "must not be empty"})
	}
	if t.Protocol == "" {
		errs = append(errs, ValidationError{Field: "protocol", Message: "must not be empty"})
	}
	if t.Method == "" {
		errs = append(errs, ValidationError{Field: "method", Message: "must not be empty"})
	}
	if !t.Priority.IsValid() {
		errs = append(errs, ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", t.Priority)})
	}
	if !t.Status.IsValid() {
		errs = append(errs, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)})
	}
	if err := ValidateTree(t.Params); err != nil {
		errs = append(errs, ValidationError{Field: "params", Message: err.Error()})
	}
	if err := t.Retry.Validate(); err != nil {
		errs = append(errs, ValidationError{Field: "retry", Message: err.Error()})
	}
	if t.Timeout < 0 {
		errs = append(errs, ValidationError{Field: "timeout", Message: "must not be negative"})
	}
	for i, dep := range t.DependsOn {
		if dep == t.ID {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("depends_on[%d]", i), Message: "task cannot depend on itself"})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	dup := *t
	dup.Params = CloneParams(t.Params)
	dup.DependsOn = append([]string(nil), t.DependsOn...)
	dup.LastError = t.LastError.Clone()
	if t.Attempts != nil {
		dup.Attempts = make([]AttemptRecord, len(t.Attempts))
		for i, a := range t.Attempts {
			dup.Attempts[i] = a
			dup.Attempts[i].Error = a.Error.Clone()
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		dup.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		dup.CompletedAt = &completed
	}
	if t.Retry.Jitter != nil {
		jitter := *t.Retry.Jitter
		dup.Retry.Jitter = &jitter
	}
	dup.Retry.RetryOn = append([]ErrorCode(nil), t.Retry.RetryOn...)
	return &dup
}

// RecordAttempt appends a finished attempt and updates LastError.
func (t *Task) RecordAttempt(rec AttemptRecord) {
	t.Attempts = append(t.Attempts, rec)
	if rec.Error != nil {
		t.LastError = rec.Error
	}
}

// AttemptsLeft reports whether another dispatch fits the retry budget.
func (t *Task) AttemptsLeft() bool {
	return t.AttemptCount < t.Retry.MaxAttempts
}
