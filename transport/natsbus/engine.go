package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/gleitzeit/gleitzeit/transport"
)

// EngineBus is the engine's side of the NATS transport.
type EngineBus struct {
	nc       *nats.Conn
	ownsConn bool
	subj     subjects
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	js      jetstream.JetStream
	stream  jetstream.Stream
}

// NewEngineBus wraps an existing connection. The caller keeps ownership of
// nc.
func NewEngineBus(nc *nats.Conn, opts Options) *EngineBus {
	opts = opts.withDefaults()
	return &EngineBus{
		nc:     nc,
		subj:   subjects{prefix: opts.Prefix},
		opts:   opts,
		logger: opts.Logger.With("component", "natsbus-engine"),
	}
}

// DialEngineBus connects and wraps; Close also closes the connection.
func DialEngineBus(opts Options) (*EngineBus, error) {
	nc, err := Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := NewEngineBus(nc, opts)
	b.ownsConn = true
	return b, nil
}

// Start implements transport.EngineBus: creates the task stream and the
// engine's durable response consumer, then wires the core request-reply
// surface.
func (b *EngineBus) Start(ctx context.Context, handlers transport.EngineHandlers) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("natsbus: engine bus already started")
	}
	b.running = true
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.mu.Unlock()

	js, err := jetstream.New(b.nc)
	if err != nil {
		b.rollback(cancel)
		return fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{b.subj.taskWildcard()},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		b.rollback(cancel)
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	b.mu.Lock()
	b.js = js
	b.stream = stream
	b.mu.Unlock()

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       EngineDurable,
		FilterSubject: b.subj.response(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
	})
	if err != nil {
		b.rollback(cancel)
		return fmt.Errorf("create consumer %s: %w", EngineDurable, err)
	}
	go b.consumeResponses(loopCtx, consumer, handlers)

	if err := b.subscribeCore(loopCtx, handlers); err != nil {
		b.rollback(cancel)
		return err
	}

	b.logger.Info("engine bus started", "prefix", b.subj.prefix, "stream", StreamName)
	return nil
}

func (b *EngineBus) rollback(cancel context.CancelFunc) {
	cancel()
	b.mu.Lock()
	b.running = false
	b.cancel = nil
	b.mu.Unlock()
}

// consumeResponses runs the batched fetch loop over the durable consumer.
func (b *EngineBus) consumeResponses(ctx context.Context, consumer jetstream.Consumer, handlers transport.EngineHandlers) {
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
			b.logger.Debug("response fetch error", "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			b.handleResponse(ctx, msg, handlers)
		}
	}
}

func (b *EngineBus) handleResponse(ctx context.Context, msg jetstream.Msg, handlers transport.EngineHandlers) {
	var env transport.Envelope
	var resp transport.TaskResponse
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Warn("malformed response envelope, terminating message", "error", err)
		_ = msg.Term()
		return
	}
	if err := env.Decode(transport.KindTaskResponse, &resp); err != nil {
		b.logger.Warn("malformed response payload, terminating message", "error", err)
		_ = msg.Term()
		return
	}
	if handlers.OnResponse != nil {
		handlers.OnResponse(ctx, resp)
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("response ack failed", "correlation_id", resp.CorrelationID, "error", err)
	}
}

// subscribeCore wires register/deregister/heartbeat and the client API.
func (b *EngineBus) subscribeCore(ctx context.Context, handlers transport.EngineHandlers) error {
	type coreSub struct {
		subject string
		handler nats.MsgHandler
	}
	subs := []coreSub{
		{b.subj.register(), func(msg *nats.Msg) {
			var env transport.Envelope
			var reg transport.RegisterProvider
			ack := transport.RegisterAck{OK: true}
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				ack = transport.RegisterAck{Error: "malformed envelope: " + err.Error()}
			} else if err := env.Decode(transport.KindProviderRegister, &reg); err != nil {
				ack = transport.RegisterAck{Error: "malformed payload: " + err.Error()}
			} else if handlers.OnRegister != nil {
				ack = handlers.OnRegister(ctx, reg)
			}
			b.reply(msg, ack)
		}},
		{b.subj.deregister(), func(msg *nats.Msg) {
			var env transport.Envelope
			var dereg transport.DeregisterProvider
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return
			}
			if err := env.Decode(transport.KindProviderDeregister, &dereg); err != nil {
				return
			}
			if handlers.OnDeregister != nil {
				handlers.OnDeregister(ctx, dereg.ProviderID)
			}
			if msg.Reply != "" {
				b.reply(msg, transport.RegisterAck{OK: true})
			}
		}},
		{b.subj.heartbeat(), func(msg *nats.Msg) {
			var env transport.Envelope
			var hb transport.Heartbeat
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return
			}
			if err := env.Decode(transport.KindProviderHeartbeat, &hb); err != nil {
				return
			}
			if handlers.OnHeartbeat != nil {
				handlers.OnHeartbeat(ctx, hb)
			}
		}},
		{b.subj.api("submit"), func(msg *nats.Msg) {
			var req transport.SubmitRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || handlers.OnSubmit == nil {
				return
			}
			b.reply(msg, handlers.OnSubmit(ctx, req))
		}},
		{b.subj.api("status"), func(msg *nats.Msg) {
			var req transport.StatusRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || handlers.OnStatus == nil {
				return
			}
			b.reply(msg, handlers.OnStatus(ctx, req))
		}},
		{b.subj.api("results"), func(msg *nats.Msg) {
			var req transport.ResultsRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil || handlers.OnResults == nil {
				return
			}
			b.reply(msg, handlers.OnResults(ctx, req))
		}},
		{b.subj.api("cancel"), func(msg *nats.Msg) {
			var cmd transport.CancelCommand
			if err := json.Unmarshal(msg.Data, &cmd); err != nil || handlers.OnCancel == nil {
				return
			}
			b.reply(msg, handlers.OnCancel(ctx, cmd))
		}},
	}

	for _, s := range subs {
		sub, err := b.nc.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}
	return nil
}

func (b *EngineBus) reply(msg *nats.Msg, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshal reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("reply failed", "subject", msg.Subject, "error", err)
	}
}

// SendRequest implements transport.EngineBus via the JetStream stream.
func (b *EngineBus) SendRequest(ctx context.Context, providerID string, req transport.TaskRequest) error {
	env, err := transport.NewEnvelope(transport.KindTaskRequest, "engine", req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal request envelope: %w", err)
	}
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()
	if js == nil {
		return fmt.Errorf("natsbus: engine bus not started")
	}
	if _, err := js.Publish(ctx, b.subj.request(providerID), data); err != nil {
		return fmt.Errorf("publish request to %s: %w", providerID, err)
	}
	return nil
}

// SendCancel implements transport.EngineBus over core NATS. Best-effort.
func (b *EngineBus) SendCancel(_ context.Context, providerID string, cancel transport.CancelRequest) error {
	env, err := transport.NewEnvelope(transport.KindTaskCancel, "engine", cancel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subj.cancel(providerID), data)
}

// PublishEvent implements transport.EngineBus over core NATS.
func (b *EngineBus) PublishEvent(_ context.Context, event transport.WorkflowEvent) error {
	env, err := transport.NewEnvelope(transport.KindWorkflowEvent, "engine", event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subj.event(event.WorkflowID), data)
}

// Close implements transport.EngineBus.
func (b *EngineBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	subs := b.subs
	b.subs = nil
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if b.ownsConn {
		b.nc.Close()
	}
	return nil
}
