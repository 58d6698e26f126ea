package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotStarted is returned for traffic arriving before the engine side has
// wired its handlers.
var ErrNotStarted = errors.New("transport: engine not started")

// ErrProviderNotConnected is returned when a dispatch targets a provider
// with no live session on this bus.
var ErrProviderNotConnected = errors.New("transport: provider not connected")

const (
	requestBuffer = 64
	cancelBuffer  = 16
	eventBuffer   = 64
)

// Inmem is a single-process bus: engine, providers and clients share one
// value. It is the transport for embedded mode and for engine tests.
type Inmem struct {
	mu       sync.Mutex
	handlers EngineHandlers
	started  bool
	closed   bool

	providers map[string]*inmemProvider

	// subs is keyed by workflow id; "" subscribes to all workflows.
	subs    map[string]map[int]chan WorkflowEvent
	nextSub int
}

// NewInmem returns an empty bus. The engine side must Start before providers
// register or clients call.
func NewInmem() *Inmem {
	return &Inmem{
		providers: make(map[string]*inmemProvider),
		subs:      make(map[string]map[int]chan WorkflowEvent),
	}
}

// Start implements EngineBus.
func (b *Inmem) Start(_ context.Context, handlers EngineHandlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("transport: bus closed")
	}
	if b.started {
		return errors.New("transport: already started")
	}
	b.handlers = handlers
	b.started = true
	return nil
}

func (b *Inmem) handlersSnapshot() (EngineHandlers, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.closed {
		return EngineHandlers{}, ErrNotStarted
	}
	return b.handlers, nil
}

// SendRequest implements EngineBus.
func (b *Inmem) SendRequest(ctx context.Context, providerID string, req TaskRequest) error {
	b.mu.Lock()
	p, ok := b.providers[providerID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotConnected, providerID)
	}
	select {
	case p.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("%w: %s", ErrProviderNotConnected, providerID)
	}
}

// SendCancel implements EngineBus. Best-effort: a full or disconnected
// provider drops the cancel.
func (b *Inmem) SendCancel(_ context.Context, providerID string, cancel CancelRequest) error {
	b.mu.Lock()
	p, ok := b.providers[providerID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case p.cancels <- cancel:
	default:
	}
	return nil
}

// PublishEvent implements EngineBus. Slow subscribers lose events rather
// than stalling the engine.
func (b *Inmem) PublishEvent(_ context.Context, event WorkflowEvent) error {
	b.mu.Lock()
	var targets []chan WorkflowEvent
	for _, key := range []string{event.WorkflowID, ""} {
		for _, ch := range b.subs[key] {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Close implements EngineBus. Provider channels close; pending sends fail.
func (b *Inmem) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	providers := make([]*inmemProvider, 0, len(b.providers))
	for _, p := range b.providers {
		providers = append(providers, p)
	}
	b.providers = map[string]*inmemProvider{}
	subs := b.subs
	b.subs = map[string]map[int]chan WorkflowEvent{}
	b.mu.Unlock()

	for _, p := range providers {
		p.shutdown()
	}
	for _, byID := range subs {
		for _, ch := range byID {
			close(ch)
		}
	}
	return nil
}

// ProviderSide returns a fresh, unregistered provider endpoint.
func (b *Inmem) ProviderSide() ProviderBus {
	return &inmemProvider{
		bus:      b,
		requests: make(chan TaskRequest, requestBuffer),
		cancels:  make(chan CancelRequest, cancelBuffer),
		done:     make(chan struct{}),
	}
}

type inmemProvider struct {
	bus        *Inmem
	providerID string

	requests chan TaskRequest
	cancels  chan CancelRequest
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// Register implements ProviderBus.
func (p *inmemProvider) Register(ctx context.Context, reg RegisterProvider) error {
	handlers, err := p.bus.handlersSnapshot()
	if err != nil {
		return err
	}
	if handlers.OnRegister == nil {
		return ErrNotStarted
	}
	ack := handlers.OnRegister(ctx, reg)
	if !ack.OK {
		return fmt.Errorf("transport: registration rejected: %s", ack.Error)
	}

	p.bus.mu.Lock()
	prev := p.bus.providers[reg.ProviderID]
	p.bus.providers[reg.ProviderID] = p
	p.bus.mu.Unlock()
	p.providerID = reg.ProviderID
	if prev != nil && prev != p {
		prev.shutdown()
	}
	return nil
}

// Deregister implements ProviderBus.
func (p *inmemProvider) Deregister(ctx context.Context) error {
	if p.providerID == "" {
		return nil
	}
	p.detach()
	if handlers, err := p.bus.handlersSnapshot(); err == nil && handlers.OnDeregister != nil {
		handlers.OnDeregister(ctx, p.providerID)
	}
	return nil
}

// Heartbeat implements ProviderBus.
func (p *inmemProvider) Heartbeat(ctx context.Context, hb Heartbeat) error {
	handlers, err := p.bus.handlersSnapshot()
	if err != nil {
		return err
	}
	if handlers.OnHeartbeat != nil {
		handlers.OnHeartbeat(ctx, hb)
	}
	return nil
}

// Requests implements ProviderBus.
func (p *inmemProvider) Requests() <-chan TaskRequest { return p.requests }

// Cancels implements ProviderBus.
func (p *inmemProvider) Cancels() <-chan CancelRequest { return p.cancels }

// Respond implements ProviderBus.
func (p *inmemProvider) Respond(ctx context.Context, resp TaskResponse) error {
	handlers, err := p.bus.handlersSnapshot()
	if err != nil {
		return err
	}
	if handlers.OnResponse != nil {
		handlers.OnResponse(ctx, resp)
	}
	return nil
}

// Close implements ProviderBus. Equivalent to Deregister plus channel
// shutdown.
func (p *inmemProvider) Close() error {
	err := p.Deregister(context.Background())
	p.shutdown()
	return err
}

// detach removes the provider from the routing table without closing its
// channels.
func (p *inmemProvider) detach() {
	p.bus.mu.Lock()
	if p.bus.providers[p.providerID] == p {
		delete(p.bus.providers, p.providerID)
	}
	p.bus.mu.Unlock()
}

func (p *inmemProvider) shutdown() {
	p.detach()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	close(p.requests)
	close(p.cancels)
}

// ClientSide returns a client endpoint calling the engine handlers directly.
func (b *Inmem) ClientSide() ClientBus {
	return &inmemClient{bus: b}
}

type inmemClient struct {
	bus *Inmem
}

func (c *inmemClient) Submit(ctx context.Context, req SubmitRequest) (SubmitReply, error) {
	handlers, err := c.bus.handlersSnapshot()
	if err != nil || handlers.OnSubmit == nil {
		return SubmitReply{}, ErrNotStarted
	}
	return handlers.OnSubmit(ctx, req), nil
}

func (c *inmemClient) Status(ctx context.Context, req StatusRequest) (StatusReply, error) {
	handlers, err := c.bus.handlersSnapshot()
	if err != nil || handlers.OnStatus == nil {
		return StatusReply{}, ErrNotStarted
	}
	return handlers.OnStatus(ctx, req), nil
}

func (c *inmemClient) Results(ctx context.Context, req ResultsRequest) (ResultsReply, error) {
	handlers, err := c.bus.handlersSnapshot()
	if err != nil || handlers.OnResults == nil {
		return ResultsReply{}, ErrNotStarted
	}
	return handlers.OnResults(ctx, req), nil
}

func (c *inmemClient) Cancel(ctx context.Context, cmd CancelCommand) (CancelReply, error) {
	handlers, err := c.bus.handlersSnapshot()
	if err != nil || handlers.OnCancel == nil {
		return CancelReply{}, ErrNotStarted
	}
	return handlers.OnCancel(ctx, cmd), nil
}

// SubscribeEvents implements ClientBus. workflowID "" receives every event.
func (c *inmemClient) SubscribeEvents(_ context.Context, workflowID string) (<-chan WorkflowEvent, func(), error) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errors.New("transport: bus closed")
	}
	ch := make(chan WorkflowEvent, eventBuffer)
	id := b.nextSub
	b.nextSub++
	if b.subs[workflowID] == nil {
		b.subs[workflowID] = make(map[int]chan WorkflowEvent)
	}
	b.subs[workflowID][id] = ch

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[workflowID][id]; ok {
			delete(b.subs[workflowID], id)
			close(sub)
		}
	}
	return ch, stop, nil
}

func (c *inmemClient) Close() error { return nil }
