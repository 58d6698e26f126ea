package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gleitzeit/gleitzeit/transport"
)

const registerTimeout = 10 * time.Second

// ProviderBus is one provider session's side of the NATS transport.
type ProviderBus struct {
	nc       *nats.Conn
	ownsConn bool
	subj     subjects
	opts     Options
	logger   *slog.Logger

	requests chan transport.TaskRequest
	cancels  chan transport.CancelRequest

	mu         sync.Mutex
	providerID string
	cancel     context.CancelFunc
	cancelSub  *nats.Subscription
	loopDone   chan struct{}
	closing    bool
	closed     bool
}

// NewProviderBus wraps an existing connection.
func NewProviderBus(nc *nats.Conn, opts Options) *ProviderBus {
	opts = opts.withDefaults()
	return &ProviderBus{
		nc:       nc,
		subj:     subjects{prefix: opts.Prefix},
		opts:     opts,
		logger:   opts.Logger.With("component", "natsbus-provider"),
		requests: make(chan transport.TaskRequest, 64),
		cancels:  make(chan transport.CancelRequest, 16),
	}
}

// DialProviderBus connects and wraps; Close also closes the connection.
func DialProviderBus(opts Options) (*ProviderBus, error) {
	nc, err := Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := NewProviderBus(nc, opts)
	b.ownsConn = true
	return b, nil
}

// Register implements transport.ProviderBus: request-reply registration,
// then a durable consumer on this provider's request subject and a core
// subscription for cancels.
func (b *ProviderBus) Register(ctx context.Context, reg transport.RegisterProvider) error {
	env, err := transport.NewEnvelope(transport.KindProviderRegister, reg.ProviderID, reg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal register envelope: %w", err)
	}

	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, registerTimeout)
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(reqCtx, b.subj.register(), data)
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	var ack transport.RegisterAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("decode register ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("registration rejected: %s", ack.Error)
	}

	js, err := jetstream.New(b.nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("stream %s: %w", StreamName, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       providerDurable(reg.ProviderID),
		FilterSubject: b.subj.request(reg.ProviderID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	cancelSub, err := b.nc.Subscribe(b.subj.cancel(reg.ProviderID), b.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe cancels: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	loopDone := make(chan struct{})
	b.mu.Lock()
	b.providerID = reg.ProviderID
	b.cancel = cancel
	b.cancelSub = cancelSub
	b.loopDone = loopDone
	b.mu.Unlock()

	// The consume goroutine is the sole sender on requests and closes it
	// on exit.
	go func() {
		defer close(loopDone)
		defer close(b.requests)
		b.consumeRequests(loopCtx, consumer)
	}()

	b.logger.Info("provider registered", "provider_id", reg.ProviderID)
	return nil
}

func (b *ProviderBus) consumeRequests(ctx context.Context, consumer jetstream.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("request fetch error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			b.handleRequest(ctx, msg)
		}
	}
}

// handleRequest acks on delivery into the local channel. A crash between
// ack and completion is recovered by the engine's dispatch timeout, which
// retries with a fresh correlation id.
func (b *ProviderBus) handleRequest(ctx context.Context, msg jetstream.Msg) {
	var env transport.Envelope
	var req transport.TaskRequest
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Warn("malformed request envelope", "error", err)
		_ = msg.Term()
		return
	}
	if err := env.Decode(transport.KindTaskRequest, &req); err != nil {
		b.logger.Warn("malformed request payload", "error", err)
		_ = msg.Term()
		return
	}
	select {
	case b.requests <- req:
		if err := msg.Ack(); err != nil {
			b.logger.Warn("request ack failed", "correlation_id", req.CorrelationID, "error", err)
		}
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

func (b *ProviderBus) handleCancel(msg *nats.Msg) {
	var env transport.Envelope
	var cr transport.CancelRequest
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return
	}
	if err := env.Decode(transport.KindTaskCancel, &cr); err != nil {
		return
	}
	// Sends happen under the lock so Close can safely close the channel.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.cancels <- cr:
	default:
		// Best-effort channel; a full buffer drops the cancel.
	}
}

// Deregister implements transport.ProviderBus.
func (b *ProviderBus) Deregister(ctx context.Context) error {
	b.mu.Lock()
	providerID := b.providerID
	b.mu.Unlock()
	if providerID == "" {
		return nil
	}
	env, err := transport.NewEnvelope(transport.KindProviderDeregister, providerID,
		transport.DeregisterProvider{ProviderID: providerID})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := b.nc.RequestWithContext(reqCtx, b.subj.deregister(), data); err != nil {
		// The engine may already be gone; heartbeat expiry covers that case.
		b.logger.Debug("deregister request failed", "error", err)
	}
	return nil
}

// Heartbeat implements transport.ProviderBus.
func (b *ProviderBus) Heartbeat(_ context.Context, hb transport.Heartbeat) error {
	env, err := transport.NewEnvelope(transport.KindProviderHeartbeat, hb.ProviderID, hb)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subj.heartbeat(), data)
}

// Requests implements transport.ProviderBus.
func (b *ProviderBus) Requests() <-chan transport.TaskRequest { return b.requests }

// Cancels implements transport.ProviderBus.
func (b *ProviderBus) Cancels() <-chan transport.CancelRequest { return b.cancels }

// Respond implements transport.ProviderBus via the JetStream stream.
func (b *ProviderBus) Respond(ctx context.Context, resp transport.TaskResponse) error {
	env, err := transport.NewEnvelope(transport.KindTaskResponse, resp.ProviderID, resp)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal response envelope: %w", err)
	}
	js, err := jetstream.New(b.nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.Publish(ctx, b.subj.response(), data); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}

// Close implements transport.ProviderBus.
func (b *ProviderBus) Close() error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	cancel := b.cancel
	cancelSub := b.cancelSub
	loopDone := b.loopDone
	b.cancel = nil
	b.cancelSub = nil
	b.mu.Unlock()

	err := b.Deregister(context.Background())
	if cancel != nil {
		cancel()
	}
	if loopDone != nil {
		<-loopDone
	} else {
		close(b.requests)
	}
	if cancelSub != nil {
		_ = cancelSub.Unsubscribe()
	}
	b.mu.Lock()
	b.closed = true
	close(b.cancels)
	b.mu.Unlock()
	if b.ownsConn {
		b.nc.Close()
	}
	return err
}
