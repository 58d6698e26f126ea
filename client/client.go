// Package client is the submitter surface: a thin, typed wrapper over a
// transport.ClientBus for programs that drive workflows (the CLI, tests,
// embedding applications).
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// ErrNotCompleted is returned by WaitForCompletion when the context ends
// before the workflow reaches a terminal status.
var ErrNotCompleted = errors.New("workflow not completed")

const defaultPollInterval = 250 * time.Millisecond

// Client wraps a ClientBus. The zero value is not usable; use New.
type Client struct {
	bus transport.ClientBus
}

// New wraps an established bus connection. The caller owns the bus
// lifetime unless Close is used.
func New(bus transport.ClientBus) *Client {
	return &Client{bus: bus}
}

// Submit sends a parsed workflow document and returns the assigned
// workflow id.
func (c *Client) Submit(ctx context.Context, doc *workflow.Document) (string, error) {
	source, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return c.SubmitSource(ctx, source, "")
}

// SubmitSource sends raw document bytes (YAML or JSON). sourcePath labels
// where the document came from and may be empty.
func (c *Client) SubmitSource(ctx context.Context, source []byte, sourcePath string) (string, error) {
	reply, err := c.bus.Submit(ctx, transport.SubmitRequest{
		Source:     source,
		SourcePath: sourcePath,
	})
	if err != nil {
		return "", err
	}
	if reply.Error != nil {
		return "", reply.Error
	}
	return reply.WorkflowID, nil
}

// Status returns the aggregate and per-task status of a workflow.
func (c *Client) Status(ctx context.Context, workflowID string) (*transport.StatusReport, error) {
	reply, err := c.bus.Status(ctx, transport.StatusRequest{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Report, nil
}

// Results returns every stored terminal task result of a workflow, keyed
// by task id. Tasks still pending have no entry.
func (c *Client) Results(ctx context.Context, workflowID string) (map[string]*workflow.TaskResult, error) {
	reply, err := c.bus.Results(ctx, transport.ResultsRequest{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Results, nil
}

// CancelWorkflow cancels every non-terminal task of a workflow. Returns
// true when the workflow was already terminal.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) (alreadyTerminal bool, err error) {
	reply, err := c.bus.Cancel(ctx, transport.CancelCommand{WorkflowID: workflowID})
	if err != nil {
		return false, err
	}
	if reply.Error != nil {
		return false, reply.Error
	}
	return reply.AlreadyTerminal, nil
}

// CancelTask cancels one task and its dependent closure.
func (c *Client) CancelTask(ctx context.Context, workflowID, taskID string) (alreadyTerminal bool, err error) {
	reply, err := c.bus.Cancel(ctx, transport.CancelCommand{WorkflowID: workflowID, TaskID: taskID})
	if err != nil {
		return false, err
	}
	if reply.Error != nil {
		return false, reply.Error
	}
	return reply.AlreadyTerminal, nil
}

// Events subscribes to the progress feed of one workflow. Delivery is
// best-effort; poll Status for the authoritative state. The stop function
// releases the subscription.
func (c *Client) Events(ctx context.Context, workflowID string) (<-chan transport.WorkflowEvent, func(), error) {
	return c.bus.SubscribeEvents(ctx, workflowID)
}

// WaitForCompletion polls until the workflow reaches a terminal status and
// returns the final report. pollInterval <= 0 uses a default.
func (c *Client) WaitForCompletion(ctx context.Context, workflowID string, pollInterval time.Duration) (*transport.StatusReport, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		report, err := c.Status(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if report.Status.IsTerminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, fmt.Errorf("%w: %s still %s", ErrNotCompleted, workflowID, report.Status)
		case <-ticker.C:
		}
	}
}

// Close closes the underlying bus.
func (c *Client) Close() error {
	return c.bus.Close()
}
