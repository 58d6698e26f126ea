// Package provider is the provider-side SDK: implement Handler, hand it to
// a Runner, and the runner deals with registration, concurrency, timeouts,
// de-duplication, heartbeats and cancellation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// Handler executes task requests. Implementations must be safe for
// concurrent calls up to the runner's concurrency limit.
type Handler interface {
	// Methods declares the capabilities, protocol id to method names.
	Methods() map[string][]string

	// Handle executes one request. The context carries the request deadline
	// and is cancelled when the engine cancels the task. Returned errors are
	// classified with workflow.FromErr; return a typed *workflow.Error to
	// control the code.
	Handle(ctx context.Context, req transport.TaskRequest) (map[string]any, error)
}

const (
	defaultMaxConcurrent     = 4
	defaultHeartbeatInterval = 10 * time.Second

	// dedupWindow bounds the correlation-id memory. At-least-once delivery
	// means a request can arrive twice; answering twice is harmless to the
	// engine but wastes the handler's work.
	dedupWindow = 1024
)

// Config tunes a Runner. Zero values take defaults.
type Config struct {
	// ProviderID identifies the session across reconnects. Default: a
	// generated uuid.
	ProviderID string

	// MaxConcurrent caps simultaneous Handle calls. Default 4.
	MaxConcurrent int

	// HeartbeatInterval is the liveness beacon cadence. Default 10s.
	HeartbeatInterval time.Duration

	// Metadata is advertised at registration for status output.
	Metadata map[string]string

	Logger *slog.Logger
}

// Runner drives a Handler over a ProviderBus.
type Runner struct {
	cfg     Config
	bus     transport.ProviderBus
	handler Handler
	logger  *slog.Logger

	sem  chan struct{}
	seen *dedup

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	loops  sync.WaitGroup
}

// NewRunner wires a handler to a bus. Start registers and begins serving.
func NewRunner(bus transport.ProviderBus, handler Handler, cfg Config) *Runner {
	if cfg.ProviderID == "" {
		cfg.ProviderID = "provider-" + uuid.NewString()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		bus:      bus,
		handler:  handler,
		logger:   logger.With("component", "provider", "provider_id", cfg.ProviderID),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		seen:     newDedup(dedupWindow),
		inflight: make(map[string]context.CancelFunc),
	}
}

// ProviderID returns the session id (generated when not configured).
func (r *Runner) ProviderID() string { return r.cfg.ProviderID }

// Start registers the session and starts the serving loops.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("provider runner already started")
	}
	r.started = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.mu.Unlock()

	caps := capabilities(r.handler)
	if len(caps) == 0 {
		cancel()
		return errors.New("handler declares no methods")
	}
	err := r.bus.Register(ctx, transport.RegisterProvider{
		ProviderID:    r.cfg.ProviderID,
		Capabilities:  caps,
		MaxConcurrent: r.cfg.MaxConcurrent,
		Metadata:      r.cfg.Metadata,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("register provider: %w", err)
	}

	r.loops.Add(3)
	go r.requestLoop(loopCtx)
	go r.cancelLoop()
	go r.heartbeatLoop(loopCtx)
	r.logger.Info("provider serving",
		"capabilities", len(caps), "max_concurrent", r.cfg.MaxConcurrent)
	return nil
}

// Close drains in-flight work and closes the bus session.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return r.bus.Close()
	}

	// Closing the bus ends the request stream; in-flight handlers keep their
	// contexts until they finish or ctx expires.
	err := r.bus.Close()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		cancel() // give up on stragglers
		<-finished
	}
	cancel()
	r.loops.Wait()
	return err
}

func capabilities(h Handler) []registry.Capability {
	methods := h.Methods()
	caps := make([]registry.Capability, 0, len(methods))
	for protocol, ms := range methods {
		caps = append(caps, registry.Capability{Protocol: protocol, Methods: ms})
	}
	return caps
}

func (r *Runner) requestLoop(ctx context.Context) {
	defer r.loops.Done()
	for req := range r.bus.Requests() {
		if r.seen.Seen(req.CorrelationID) {
			r.logger.Debug("dropping duplicate request",
				"correlation_id", req.CorrelationID, "task_id", req.TaskID)
			continue
		}
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.wg.Add(1)
		go r.execute(ctx, req)
	}
}

func (r *Runner) execute(ctx context.Context, req transport.TaskRequest) {
	defer r.wg.Done()
	defer func() { <-r.sem }()

	reqCtx := ctx
	var cancelReq context.CancelFunc
	if req.TimeoutMS > 0 {
		// Finish slightly before the engine's deadline so the response
		// still arrives in time.
		deadline := time.Duration(req.TimeoutMS) * time.Millisecond * 9 / 10
		reqCtx, cancelReq = context.WithTimeout(ctx, deadline)
	} else {
		reqCtx, cancelReq = context.WithCancel(ctx)
	}
	defer cancelReq()

	r.mu.Lock()
	r.inflight[req.CorrelationID] = cancelReq
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, req.CorrelationID)
		r.mu.Unlock()
	}()

	start := time.Now()
	result, err := r.handler.Handle(reqCtx, req)
	elapsed := time.Since(start)

	resp := transport.TaskResponse{
		CorrelationID: req.CorrelationID,
		ProviderID:    r.cfg.ProviderID,
		DurationMS:    elapsed.Milliseconds(),
	}
	if err != nil {
		resp.Status = transport.StatusError
		resp.Error = workflow.FromErr(err)
	} else {
		resp.Status = transport.StatusOK
		resp.Result = result
	}

	if err := r.bus.Respond(ctx, resp); err != nil {
		r.logger.Warn("respond failed",
			"correlation_id", req.CorrelationID, "task_id", req.TaskID, "error", err)
		return
	}
	r.logger.Debug("request handled",
		"task_id", req.TaskID, "status", resp.Status, "duration", elapsed)
}

// cancelLoop ends when the bus closes the cancel stream.
func (r *Runner) cancelLoop() {
	defer r.loops.Done()
	for c := range r.bus.Cancels() {
		r.mu.Lock()
		cancelReq, ok := r.inflight[c.CorrelationID]
		r.mu.Unlock()
		if ok {
			r.logger.Debug("cancelling in-flight request",
				"correlation_id", c.CorrelationID, "task_id", c.TaskID)
			cancelReq()
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.loops.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			active := len(r.inflight)
			r.mu.Unlock()
			err := r.bus.Heartbeat(ctx, transport.Heartbeat{
				ProviderID:  r.cfg.ProviderID,
				ActiveTasks: active,
			})
			if err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// dedup remembers the last capacity correlation ids.
type dedup struct {
	mu       sync.Mutex
	capacity int
	order    []string
	set      map[string]struct{}
}

func newDedup(capacity int) *dedup {
	return &dedup{capacity: capacity, set: make(map[string]struct{}, capacity)}
}

// Seen records id and reports whether it was already present.
func (d *dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[id]; ok {
		return true
	}
	d.set[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
	return false
}
