package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// EchoHandler serves echo/v1 and an llm/v1 stub. It is the development and
// test provider: echo returns the params unchanged, the llm methods wrap
// the prompt in a canned response.
//
// Scripted behavior via params, for exercising failure paths end to end:
//
//	latency_ms: N    sleep N milliseconds before answering
//	fail_times: N    fail the first N attempts of the task
//	fail_code:  s    error code used for scripted failures
//	                 (default provider_overloaded)
type EchoHandler struct {
	mu       sync.Mutex
	failures map[string]int // workflow/task -> scripted failures so far
}

// NewEchoHandler returns a ready-to-serve handler.
func NewEchoHandler() *EchoHandler {
	return &EchoHandler{failures: make(map[string]int)}
}

// Methods implements Handler.
func (h *EchoHandler) Methods() map[string][]string {
	return map[string][]string{
		"echo/v1": {"echo"},
		"llm/v1":  {"chat", "generate"},
	}
}

// Handle implements Handler.
func (h *EchoHandler) Handle(ctx context.Context, req transport.TaskRequest) (map[string]any, error) {
	if ms, ok := asInt(req.Params["latency_ms"]); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n, ok := asInt(req.Params["fail_times"]); ok && n > 0 {
		key := req.WorkflowID + "/" + req.TaskID
		h.mu.Lock()
		h.failures[key]++
		sofar := h.failures[key]
		h.mu.Unlock()
		if sofar <= n {
			code := workflow.CodeProviderOverloaded
			if s, ok := req.Params["fail_code"].(string); ok && s != "" {
				code = workflow.ErrorCode(s)
			}
			return nil, workflow.Errorf(code, "scripted failure %d of %d", sofar, n)
		}
	}

	switch req.Protocol {
	case "echo/v1":
		return map[string]any(req.Params), nil
	case "llm/v1":
		prompt, _ := req.Params["prompt"].(string)
		if prompt == "" {
			if msgs, ok := req.Params["messages"].([]any); ok && len(msgs) > 0 {
				if last, ok := msgs[len(msgs)-1].(map[string]any); ok {
					prompt, _ = last["content"].(string)
				}
			}
		}
		return map[string]any{
			registry.ResponseField: fmt.Sprintf("echo: %s", prompt),
		}, nil
	default:
		return nil, workflow.Errorf(workflow.CodeUnknownProtocol,
			"echo handler does not serve %q", req.Protocol)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
