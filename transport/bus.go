package transport

import "context"

// EngineHandlers carries the engine callbacks a bus invokes on inbound
// traffic. Handlers returning a reply (register, api surface) run on the
// bus's receive goroutine; the engine internally forwards them to its loop.
type EngineHandlers struct {
	OnRegister   func(ctx context.Context, reg RegisterProvider) RegisterAck
	OnDeregister func(ctx context.Context, providerID string)
	OnHeartbeat  func(ctx context.Context, hb Heartbeat)
	OnResponse   func(ctx context.Context, resp TaskResponse)

	OnSubmit  func(ctx context.Context, req SubmitRequest) SubmitReply
	OnStatus  func(ctx context.Context, req StatusRequest) StatusReply
	OnResults func(ctx context.Context, req ResultsRequest) ResultsReply
	OnCancel  func(ctx context.Context, cmd CancelCommand) CancelReply
}

// EngineBus is the engine's side of the transport.
type EngineBus interface {
	// Start wires the handlers and begins consuming. Idempotent failure:
	// a second Start errors.
	Start(ctx context.Context, handlers EngineHandlers) error

	// SendRequest dispatches a task attempt to one provider.
	SendRequest(ctx context.Context, providerID string, req TaskRequest) error

	// SendCancel asks a provider to abandon an attempt. Best-effort.
	SendCancel(ctx context.Context, providerID string, cancel CancelRequest) error

	// PublishEvent fans a workflow event out to subscribers. Best-effort.
	PublishEvent(ctx context.Context, event WorkflowEvent) error

	Close() error
}

// ProviderBus is a provider's side of the transport. One value per session.
type ProviderBus interface {
	// Register announces the session and waits for the engine's ack.
	Register(ctx context.Context, reg RegisterProvider) error

	// Deregister announces a graceful disconnect.
	Deregister(ctx context.Context) error

	// Heartbeat publishes a liveness beacon.
	Heartbeat(ctx context.Context, hb Heartbeat) error

	// Requests streams task requests addressed to this provider. Closed on
	// Close.
	Requests() <-chan TaskRequest

	// Cancels streams best-effort cancellations. Closed on Close.
	Cancels() <-chan CancelRequest

	// Respond sends a task response back to the engine.
	Respond(ctx context.Context, resp TaskResponse) error

	Close() error
}

// ClientBus is the submit/observe surface.
type ClientBus interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitReply, error)
	Status(ctx context.Context, req StatusRequest) (StatusReply, error)
	Results(ctx context.Context, req ResultsRequest) (ResultsReply, error)
	Cancel(ctx context.Context, cmd CancelCommand) (CancelReply, error)

	// SubscribeEvents streams events for one workflow. The returned stop
	// function releases the subscription; the channel closes after stop or
	// bus close.
	SubscribeEvents(ctx context.Context, workflowID string) (<-chan WorkflowEvent, func(), error)

	Close() error
}
