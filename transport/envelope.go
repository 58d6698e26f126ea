// Package transport defines the wire contract between engine, providers and
// clients, plus an in-process implementation for embedded single-binary mode.
// The NATS implementation lives in the natsbus subpackage.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindTaskRequest        Kind = "task.request"
	KindTaskResponse       Kind = "task.response"
	KindTaskCancel         Kind = "task.cancel"
	KindProviderRegister   Kind = "provider.register"
	KindProviderDeregister Kind = "provider.deregister"
	KindProviderHeartbeat  Kind = "provider.heartbeat"
	KindWorkflowEvent      Kind = "workflow.event"
)

// Envelope is the outer frame for every bus message. Payload holds the
// kind-specific struct as raw JSON so intermediaries can route without
// decoding it.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope frames payload under the given kind. Marshalling the payload
// here keeps encode errors at the send site instead of deep in a bus.
func NewEnvelope(kind Kind, source string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Kind:      kind,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   raw,
	}, nil
}

// Decode unmarshals the payload into dst and checks the kind matches.
func (e Envelope) Decode(kind Kind, dst any) error {
	if e.Kind != kind {
		return fmt.Errorf("envelope kind %q, want %q", e.Kind, kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// TaskRequest dispatches one task attempt to a provider.
type TaskRequest struct {
	// CorrelationID pairs this request with exactly one TaskResponse.
	// Unique per attempt.
	CorrelationID string `json:"correlation_id"`

	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`

	// Attempt is 1-based.
	Attempt int `json:"attempt"`

	Protocol string          `json:"protocol"`
	Method   string          `json:"method"`
	Params   workflow.Params `json:"params,omitempty"`

	// TimeoutMS is the engine-side deadline; providers should give up
	// slightly earlier so the answer still arrives in time.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// TaskResponse is a provider's answer to one TaskRequest.
type TaskResponse struct {
	CorrelationID string `json:"correlation_id"`
	ProviderID    string `json:"provider_id"`

	// Status is "ok" or "error".
	Status string `json:"status"`

	Result map[string]any  `json:"result,omitempty"`
	Error  *workflow.Error `json:"error,omitempty"`

	DurationMS int64 `json:"duration_ms,omitempty"`
}

// Err normalizes the response's failure. Unknown error codes pass through
// with the envelope's retryable flag; a malformed error response becomes a
// non-retryable internal error.
func (r TaskResponse) Err() *workflow.Error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return workflow.NewError(workflow.CodeInternal, "provider returned error status without detail")
}

// RegisterProvider announces a provider session.
type RegisterProvider struct {
	ProviderID    string                `json:"provider_id"`
	Capabilities  []registry.Capability `json:"capabilities"`
	MaxConcurrent int                   `json:"max_concurrent,omitempty"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
}

// RegisterAck answers a RegisterProvider request-reply.
type RegisterAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeregisterProvider announces a graceful disconnect.
type DeregisterProvider struct {
	ProviderID string `json:"provider_id"`
}

// Heartbeat is a provider liveness beacon.
type Heartbeat struct {
	ProviderID  string `json:"provider_id"`
	ActiveTasks int    `json:"active_tasks"`
}

// CancelRequest asks a provider to abandon an in-flight attempt.
// Best-effort: the engine has already written the terminal state.
type CancelRequest struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowID    string `json:"workflow_id"`
	TaskID        string `json:"task_id"`
}

// Workflow event types.
const (
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTaskRetrying      = "task_retrying"
	EventTaskCancelled     = "task_cancelled"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
)

// WorkflowEvent is the observable progress feed. Best-effort delivery; the
// store remains the source of truth.
type WorkflowEvent struct {
	WorkflowID string          `json:"workflow_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"type"`
	At         time.Time       `json:"at"`
	Error      *workflow.Error `json:"error,omitempty"`
}
