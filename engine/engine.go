// Package engine is the orchestration core: a single event loop that owns
// every task and workflow state transition. External stimuli (submissions,
// provider responses, retry timers, cancellations, timeouts, maintenance
// ticks) become events on one channel; the loop persists before it signals,
// so observed state always has a durable cause.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gleitzeit/gleitzeit/metrics"
	"github.com/gleitzeit/gleitzeit/queue"
	"github.com/gleitzeit/gleitzeit/registry"
	"github.com/gleitzeit/gleitzeit/resolver"
	"github.com/gleitzeit/gleitzeit/scheduler"
	"github.com/gleitzeit/gleitzeit/storage"
	"github.com/gleitzeit/gleitzeit/transport"
	"github.com/gleitzeit/gleitzeit/workflow"
)

const eventBuffer = 1024

// Deps wires the engine's collaborators.
type Deps struct {
	Store    storage.Store
	Bus      transport.EngineBus
	Registry *registry.Registry
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

type taskKey struct {
	workflowID string
	taskID     string
}

// correlation is one in-flight dispatch awaiting its response.
type correlation struct {
	id           string
	workflowID   string
	taskID       string
	providerID   string
	protocol     string
	attempt      int
	dispatchedAt time.Time
	deadline     time.Time
	timer        *time.Timer
}

// Engine owns orchestration state. All mutation happens on the loop
// goroutine.
type Engine struct {
	cfg      Config
	store    storage.Store
	bus      transport.EngineBus
	registry *registry.Registry
	metrics  metrics.Recorder
	logger   *slog.Logger

	queue    *queue.Queue
	resolver *resolver.Resolver
	sched    *scheduler.Scheduler
	rng      *rand.Rand

	events chan any

	// Loop-owned state. Never touched off-loop.
	correlations map[string]*correlation
	corrByTask   map[taskKey]string
	runningCount int

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	watchers []*Watcher
}

// New builds an engine. Start runs recovery and opens intake.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Engine{
		cfg:          cfg,
		store:        deps.Store,
		bus:          deps.Bus,
		registry:     deps.Registry,
		metrics:      rec,
		logger:       logger.With("component", "engine"),
		queue:        queue.New(cfg.QueueCapacity),
		resolver:     resolver.New(),
		sched:        scheduler.New(deps.Store, logger),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		events:       make(chan any, eventBuffer),
		correlations: make(map[string]*correlation),
		corrByTask:   make(map[taskKey]string),
	}
}

// Start runs crash recovery, starts the retry scheduler and the transport,
// then opens the loop. Idempotent failure: a second Start errors.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	report, err := e.recover(ctx)
	if err != nil {
		e.rollbackStart(cancel)
		return fmt.Errorf("recovery: %w", err)
	}
	if !report.empty() {
		e.logger.Info("recovery complete",
			"workflows", report.Workflows,
			"requeued", report.Requeued,
			"retries_restored", report.RetriesRestored,
			"failed", report.Failed,
			"finalized", report.Finalized,
			"corrupt", report.Corrupt)
	}

	e.sched.Start(loopCtx)

	if err := e.bus.Start(ctx, e.handlers(loopCtx)); err != nil {
		e.rollbackStart(cancel)
		return fmt.Errorf("start transport: %w", err)
	}

	go e.run(loopCtx)
	e.logger.Info("engine started",
		"max_concurrent", e.cfg.MaxConcurrentTasks,
		"recovery", e.cfg.Recovery)
	return nil
}

func (e *Engine) rollbackStart(cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	e.running = false
	e.cancel = nil
	close(e.done)
	e.mu.Unlock()
}

// Stop closes intake and waits for the loop to drain, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	watchers := e.watchers
	e.cancel = nil
	e.running = false
	e.mu.Unlock()

	for _, w := range watchers {
		_ = w.Close()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done closes when the loop has exited.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Healthy reports whether the loop is accepting events.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// run is the event loop. Single goroutine; owns all orchestration state.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine loop panic", "panic", r)
		}
	}()

	ticker := time.NewTicker(e.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handle(ctx, ev)
		case rec, ok := <-e.sched.Due():
			if !ok {
				return
			}
			e.handleRetryDue(ctx, rec)
		case now := <-ticker.C:
			e.maintenance(ctx, now.UTC())
		}
		e.dispatchReady(ctx)
	}
}

func (e *Engine) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case evSubmit:
		ev.reply <- e.handleSubmit(ctx, ev.req)
	case evResponse:
		e.handleResponse(ctx, ev.resp)
	case evRetryDue:
		e.handleRetryDue(ctx, ev.rec)
	case evRegister:
		ev.reply <- e.handleRegister(ev.reg)
	case evDeregister:
		e.handleDeregister(ctx, ev.providerID)
	case evHeartbeat:
		e.handleHeartbeat(ev.hb)
	case evCancel:
		ev.reply <- e.handleCancel(ctx, ev.cmd)
	case evStatus:
		ev.reply <- e.handleStatus(ctx, ev.req)
	case evResults:
		ev.reply <- e.handleResults(ctx, ev.req)
	case evTimeout:
		e.handleTimeout(ctx, ev.correlationID)
	case evTick:
		e.maintenance(ctx, ev.now)
	default:
		e.logger.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// post delivers an event to the loop, giving up when ctx ends.
func (e *Engine) post(ctx context.Context, ev any) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postAsync delivers from timer callbacks; a full channel drops the event
// and relies on the maintenance sweep as backstop.
func (e *Engine) postAsync(ev any) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping timer event")
	}
}

// handlers adapts the transport callbacks into loop events.
func (e *Engine) handlers(loopCtx context.Context) transport.EngineHandlers {
	return transport.EngineHandlers{
		OnRegister: func(ctx context.Context, reg transport.RegisterProvider) transport.RegisterAck {
			reply := make(chan transport.RegisterAck, 1)
			if err := e.post(ctx, evRegister{reg: reg, reply: reply}); err != nil {
				return transport.RegisterAck{Error: err.Error()}
			}
			select {
			case ack := <-reply:
				return ack
			case <-ctx.Done():
				return transport.RegisterAck{Error: ctx.Err().Error()}
			case <-loopCtx.Done():
				return transport.RegisterAck{Error: "engine shutting down"}
			}
		},
		OnDeregister: func(ctx context.Context, providerID string) {
			_ = e.post(ctx, evDeregister{providerID: providerID})
		},
		OnHeartbeat: func(ctx context.Context, hb transport.Heartbeat) {
			_ = e.post(ctx, evHeartbeat{hb: hb})
		},
		OnResponse: func(ctx context.Context, resp transport.TaskResponse) {
			_ = e.post(ctx, evResponse{resp: resp})
		},
		OnSubmit: func(ctx context.Context, req transport.SubmitRequest) transport.SubmitReply {
			reply := make(chan transport.SubmitReply, 1)
			if err := e.post(ctx, evSubmit{req: req, reply: reply}); err != nil {
				return transport.SubmitReply{Error: workflow.FromErr(err)}
			}
			select {
			case r := <-reply:
				return r
			case <-ctx.Done():
				return transport.SubmitReply{Error: workflow.FromErr(ctx.Err())}
			case <-loopCtx.Done():
				return transport.SubmitReply{Error: workflow.NewError(workflow.CodeInternal, "engine shutting down")}
			}
		},
		OnStatus: func(ctx context.Context, req transport.StatusRequest) transport.StatusReply {
			reply := make(chan transport.StatusReply, 1)
			if err := e.post(ctx, evStatus{req: req, reply: reply}); err != nil {
				return transport.StatusReply{Error: workflow.FromErr(err)}
			}
			select {
			case r := <-reply:
				return r
			case <-ctx.Done():
				return transport.StatusReply{Error: workflow.FromErr(ctx.Err())}
			case <-loopCtx.Done():
				return transport.StatusReply{Error: workflow.NewError(workflow.CodeInternal, "engine shutting down")}
			}
		},
		OnResults: func(ctx context.Context, req transport.ResultsRequest) transport.ResultsReply {
			reply := make(chan transport.ResultsReply, 1)
			if err := e.post(ctx, evResults{req: req, reply: reply}); err != nil {
				return transport.ResultsReply{Error: workflow.FromErr(err)}
			}
			select {
			case r := <-reply:
				return r
			case <-ctx.Done():
				return transport.ResultsReply{Error: workflow.FromErr(ctx.Err())}
			case <-loopCtx.Done():
				return transport.ResultsReply{Error: workflow.NewError(workflow.CodeInternal, "engine shutting down")}
			}
		},
		OnCancel: func(ctx context.Context, cmd transport.CancelCommand) transport.CancelReply {
			reply := make(chan transport.CancelReply, 1)
			if err := e.post(ctx, evCancel{cmd: cmd, reply: reply}); err != nil {
				return transport.CancelReply{Error: workflow.FromErr(err)}
			}
			select {
			case r := <-reply:
				return r
			case <-ctx.Done():
				return transport.CancelReply{Error: workflow.FromErr(ctx.Err())}
			case <-loopCtx.Done():
				return transport.CancelReply{Error: workflow.NewError(workflow.CodeInternal, "engine shutting down")}
			}
		},
	}
}

// emit publishes a workflow event. Best-effort; the store is authoritative.
func (e *Engine) emit(ctx context.Context, ev transport.WorkflowEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := e.bus.PublishEvent(ctx, ev); err != nil {
		e.logger.Debug("publish event failed", "type", ev.Type, "workflow_id", ev.WorkflowID, "error", err)
	}
}

// handleRegister runs provider registration on the loop.
func (e *Engine) handleRegister(reg transport.RegisterProvider) transport.RegisterAck {
	err := e.registry.Register(registry.SessionInfo{
		ProviderID:    reg.ProviderID,
		Capabilities:  reg.Capabilities,
		MaxConcurrent: reg.MaxConcurrent,
		Metadata:      reg.Metadata,
	})
	if err != nil {
		e.logger.Warn("provider registration rejected", "provider_id", reg.ProviderID, "error", err)
		return transport.RegisterAck{Error: err.Error()}
	}
	e.metrics.ConnectedProviders(e.registry.Len())
	e.logger.Info("provider registered", "provider_id", reg.ProviderID, "capabilities", len(reg.Capabilities))
	return transport.RegisterAck{OK: true}
}

// handleDeregister removes the session and fails its in-flight work with
// provider_disconnected (retryable).
func (e *Engine) handleDeregister(ctx context.Context, providerID string) {
	if !e.registry.Deregister(providerID) {
		return
	}
	e.metrics.ConnectedProviders(e.registry.Len())
	e.logger.Info("provider deregistered", "provider_id", providerID)

	var orphaned []*correlation
	for _, corr := range e.correlations {
		if corr.providerID == providerID {
			orphaned = append(orphaned, corr)
		}
	}
	for _, corr := range orphaned {
		e.resolveCorrelation(corr.id)
		e.failAttempt(ctx, corr, workflow.Errorf(workflow.CodeProviderDisconnected,
			"provider %s disconnected with task in flight", providerID))
	}
}

func (e *Engine) handleHeartbeat(hb transport.Heartbeat) {
	if err := e.registry.Heartbeat(hb.ProviderID, time.Now().UTC()); err != nil {
		e.logger.Debug("heartbeat from unknown provider", "provider_id", hb.ProviderID)
	}
}

// maintenance is the periodic sweep: queue aging, heartbeat expiry and the
// correlation deadline backstop.
func (e *Engine) maintenance(ctx context.Context, now time.Time) {
	if e.cfg.AgingEnabled {
		if promoted := e.queue.PromoteAged(now, e.cfg.AgingThreshold); promoted > 0 {
			e.logger.Debug("aged queue entries promoted", "count", promoted)
		}
	}

	for _, providerID := range e.registry.ExpireStale(now) {
		e.logger.Warn("provider heartbeat expired", "provider_id", providerID)
		// Already removed from the registry; fail its in-flight work.
		var orphaned []*correlation
		for _, corr := range e.correlations {
			if corr.providerID == providerID {
				orphaned = append(orphaned, corr)
			}
		}
		for _, corr := range orphaned {
			e.resolveCorrelation(corr.id)
			e.failAttempt(ctx, corr, workflow.Errorf(workflow.CodeProviderDisconnected,
				"provider %s heartbeat expired", providerID))
		}
		e.metrics.ConnectedProviders(e.registry.Len())
	}

	// Timer backstop: a timer event lost to a full channel still times out
	// here.
	const deadlineGrace = 2 * time.Second
	var expired []string
	for id, corr := range e.correlations {
		if now.After(corr.deadline.Add(deadlineGrace)) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		e.handleTimeout(ctx, id)
	}

	for prio, depth := range e.queue.LenByPriority() {
		e.metrics.QueueDepth(string(prio), depth)
	}
	e.metrics.RunningTasks(e.runningCount)
}

// trackCorrelation indexes an in-flight dispatch and arms its timeout.
func (e *Engine) trackCorrelation(corr *correlation, timeout time.Duration) {
	e.correlations[corr.id] = corr
	e.corrByTask[taskKey{corr.workflowID, corr.taskID}] = corr.id
	e.runningCount++
	id := corr.id
	corr.timer = time.AfterFunc(timeout, func() {
		e.postAsync(evTimeout{correlationID: id})
	})
}

// resolveCorrelation removes an in-flight entry and stops its timer.
// Returns nil when the correlation is unknown (duplicate or late response).
func (e *Engine) resolveCorrelation(id string) *correlation {
	corr, ok := e.correlations[id]
	if !ok {
		return nil
	}
	delete(e.correlations, id)
	delete(e.corrByTask, taskKey{corr.workflowID, corr.taskID})
	e.runningCount--
	if corr.timer != nil {
		corr.timer.Stop()
	}
	return corr
}
