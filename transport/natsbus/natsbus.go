// Package natsbus implements the transport contract over NATS: JetStream
// for the task request/response stream, core request-reply for registration
// and the client API, core publish for heartbeats, cancels and events.
package natsbus

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// DefaultPrefix roots every subject.
	DefaultPrefix = "gleitzeit"

	// StreamName is the JetStream work-queue stream carrying task requests
	// and responses.
	StreamName = "GLEITZEIT_TASKS"

	// EngineDurable is the engine's durable consumer on the response
	// subject.
	EngineDurable = "gleitzeit-engine"

	fetchBatch   = 16
	fetchMaxWait = 5 * time.Second
)

// Options configures a NATS connection and the subject namespace.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Name identifies the connection to the server.
	Name string

	// Prefix roots the subject namespace. Defaults to DefaultPrefix.
	Prefix string

	// ConnectTimeout bounds the initial dial. Defaults to 5s.
	ConnectTimeout time.Duration

	// AckWait is the redelivery window for unacked stream messages.
	// Defaults to 30s.
	AckWait time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.AckWait == 0 {
		o.AckWait = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Connect dials NATS with the reconnect posture every component here uses.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()
	return nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(8*1024*1024),
	)
}

// subjects builds the subject namespace under one prefix.
type subjects struct {
	prefix string
}

func (s subjects) taskWildcard() string { return s.prefix + ".task.>" }

func (s subjects) request(providerID string) string {
	return s.prefix + ".task.request." + token(providerID)
}

func (s subjects) response() string { return s.prefix + ".task.response" }

func (s subjects) cancel(providerID string) string {
	return s.prefix + ".task.cancel." + token(providerID)
}

func (s subjects) register() string   { return s.prefix + ".provider.register" }
func (s subjects) deregister() string { return s.prefix + ".provider.deregister" }
func (s subjects) heartbeat() string  { return s.prefix + ".provider.heartbeat" }

func (s subjects) api(op string) string { return s.prefix + ".api." + op }

func (s subjects) event(workflowID string) string {
	if workflowID == "" {
		return s.prefix + ".workflow.event.*"
	}
	return s.prefix + ".workflow.event." + token(workflowID)
}

// token makes an identifier safe as a single subject token and as a durable
// consumer name.
func token(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '-'
		}
		return r
	}, id)
}

func providerDurable(providerID string) string {
	return "gleitzeit-provider-" + token(providerID)
}
