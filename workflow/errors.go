package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies task and workflow failures. The code decides whether
// the failure is retry-eligible; providers may override retryability on the
// wire for codes they know better.
type ErrorCode string

// Retryable codes: the condition is expected to clear and the task may be
// attempted again under its retry policy.
const (
	// CodeConnectionLost is a broken transport connection mid-flight.
	CodeConnectionLost ErrorCode = "connection_lost"
	// CodeProviderTimeout is a dispatch deadline exceeded without a response.
	CodeProviderTimeout ErrorCode = "provider_timeout"
	// CodeProviderOverloaded is a provider shedding load.
	CodeProviderOverloaded ErrorCode = "provider_overloaded"
	// CodeNoProviderTransient means the (protocol, method) is known but no
	// healthy provider currently serves it.
	CodeNoProviderTransient ErrorCode = "no_provider_available_transient"
	// CodeQueueFull is ready-queue backpressure.
	CodeQueueFull ErrorCode = "queue_full_backpressure"
	// CodePersistenceTransient is a temporary store failure (I/O, network).
	CodePersistenceTransient ErrorCode = "persistence_transient"
	// CodeProviderDisconnected means the assigned provider went away while
	// the task was in flight.
	CodeProviderDisconnected ErrorCode = "provider_disconnected"
)

// Non-retryable codes: retrying cannot help.
const (
	// CodeInvalidParams is a params payload rejected by the method schema.
	CodeInvalidParams ErrorCode = "invalid_params"
	// CodeUnknownProtocol references a protocol absent from the registry catalog.
	CodeUnknownProtocol ErrorCode = "unknown_protocol"
	// CodeUnknownMethod references a method the protocol does not define.
	CodeUnknownMethod ErrorCode = "unknown_method"
	// CodeUnresolvedReference is a substitution token naming a task outside
	// the dependency closure.
	CodeUnresolvedReference ErrorCode = "unresolved_reference"
	// CodeFieldNotFound is a substitution path missing from a dependency result.
	CodeFieldNotFound ErrorCode = "field_not_found"
	// CodeCircularDependency is a dependency cycle detected at ingestion.
	CodeCircularDependency ErrorCode = "circular_dependency"
	// CodeTaskFailed is a provider-reported business failure.
	CodeTaskFailed ErrorCode = "task_execution_failed"
	// CodeInvalidWorkflow is a structurally invalid workflow document.
	CodeInvalidWorkflow ErrorCode = "invalid_workflow"
	// CodePersistenceIntegrity is corrupt or inconsistent stored state.
	CodePersistenceIntegrity ErrorCode = "persistence_integrity"
	// CodeInternal is an unclassified engine-side failure.
	CodeInternal ErrorCode = "internal_error"
	// CodeCancelled marks work stopped by an explicit cancellation.
	CodeCancelled ErrorCode = "cancelled"
	// CodeUpstreamFailed marks a task cancelled because a dependency failed.
	CodeUpstreamFailed ErrorCode = "upstream_failed"
)

// CodeTaskTimeout is the per-task execution timeout. It is terminal for the
// attempt but retry-eligible while the attempt budget lasts.
const CodeTaskTimeout ErrorCode = "task_timeout"

// Retryable reports whether tasks failing with this code may be retried
// under their retry policy. Unknown codes are treated as non-retryable.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeConnectionLost, CodeProviderTimeout, CodeProviderOverloaded,
		CodeNoProviderTransient, CodeQueueFull, CodePersistenceTransient,
		CodeProviderDisconnected, CodeTaskTimeout:
		return true
	default:
		return false
	}
}

// IsValid returns true if the code belongs to the taxonomy.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeConnectionLost, CodeProviderTimeout, CodeProviderOverloaded,
		CodeNoProviderTransient, CodeQueueFull, CodePersistenceTransient,
		CodeProviderDisconnected, CodeInvalidParams, CodeUnknownProtocol,
		CodeUnknownMethod, CodeUnresolvedReference, CodeFieldNotFound,
		CodeCircularDependency, CodeTaskFailed, CodeInvalidWorkflow,
		CodePersistenceIntegrity, CodeInternal, CodeCancelled,
		CodeUpstreamFailed, CodeTaskTimeout:
		return true
	default:
		return false
	}
}

// Error is the wire-level failure record attached to task results and
// surfaced to submitters.
type Error struct {
	// Code classifies the failure.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Retryable overrides the code's default classification when a provider
	// knows better (and defaults unknown codes to non-retryable).
	Retryable bool `json:"retryable"`
}

// NewError builds an Error with retryability derived from the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.Retryable()}
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Clone returns a copy of the error.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

// FromErr classifies an arbitrary error into the taxonomy. Typed *Error
// values pass through unchanged; context errors map to provider_timeout and
// cancelled; everything else is internal_error.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeProviderTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return NewError(CodeCancelled, err.Error())
	default:
		return NewError(CodeInternal, err.Error())
	}
}

// ValidationError describes a single document validation failure.
type ValidationError struct {
	// Field is the path of the invalid field (e.g. "tasks[2].depends_on").
	Field string `json:"field"`

	// Message describes what is wrong.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one validation pass.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
}
