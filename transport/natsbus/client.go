package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gleitzeit/gleitzeit/transport"
)

const apiTimeout = 10 * time.Second

// ClientBus is the submit/observe surface over core NATS request-reply.
type ClientBus struct {
	nc       *nats.Conn
	ownsConn bool
	subj     subjects
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClientBus wraps an existing connection.
func NewClientBus(nc *nats.Conn, opts Options) *ClientBus {
	opts = opts.withDefaults()
	return &ClientBus{
		nc:     nc,
		subj:   subjects{prefix: opts.Prefix},
		logger: opts.Logger.With("component", "natsbus-client"),
	}
}

// DialClientBus connects and wraps; Close also closes the connection.
func DialClientBus(opts Options) (*ClientBus, error) {
	nc, err := Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := NewClientBus(nc, opts)
	b.ownsConn = true
	return b, nil
}

func (b *ClientBus) request(ctx context.Context, op string, req, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, apiTimeout)
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(reqCtx, b.subj.api(op), data)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	return nil
}

// Submit implements transport.ClientBus.
func (b *ClientBus) Submit(ctx context.Context, req transport.SubmitRequest) (transport.SubmitReply, error) {
	var reply transport.SubmitReply
	err := b.request(ctx, "submit", req, &reply)
	return reply, err
}

// Status implements transport.ClientBus.
func (b *ClientBus) Status(ctx context.Context, req transport.StatusRequest) (transport.StatusReply, error) {
	var reply transport.StatusReply
	err := b.request(ctx, "status", req, &reply)
	return reply, err
}

// Results implements transport.ClientBus.
func (b *ClientBus) Results(ctx context.Context, req transport.ResultsRequest) (transport.ResultsReply, error) {
	var reply transport.ResultsReply
	err := b.request(ctx, "results", req, &reply)
	return reply, err
}

// Cancel implements transport.ClientBus.
func (b *ClientBus) Cancel(ctx context.Context, cmd transport.CancelCommand) (transport.CancelReply, error) {
	var reply transport.CancelReply
	err := b.request(ctx, "cancel", cmd, &reply)
	return reply, err
}

// SubscribeEvents implements transport.ClientBus. workflowID "" subscribes
// to every workflow's events.
func (b *ClientBus) SubscribeEvents(_ context.Context, workflowID string) (<-chan transport.WorkflowEvent, func(), error) {
	events := make(chan transport.WorkflowEvent, 64)
	var mu sync.Mutex
	stopped := false

	sub, err := b.nc.Subscribe(b.subj.event(workflowID), func(msg *nats.Msg) {
		var env transport.Envelope
		var ev transport.WorkflowEvent
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}
		if err := env.Decode(transport.KindWorkflowEvent, &ev); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		select {
		case events <- ev:
		default:
			// Slow subscribers lose events; the store stays authoritative.
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe events: %w", err)
	}

	stop := func() {
		_ = sub.Unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			stopped = true
			close(events)
		}
	}
	return events, stop, nil
}

// Close implements transport.ClientBus.
func (b *ClientBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ownsConn {
		b.nc.Close()
	}
	return nil
}
