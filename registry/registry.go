package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Sentinel errors. ErrUnknownProtocol and ErrUnknownMethod are permanent
// failures; ErrNoProvider is transient (the method is known, a provider may
// yet connect).
var (
	ErrUnknownProtocol      = errors.New("protocol not registered")
	ErrUnknownMethod        = errors.New("method not defined by protocol")
	ErrNoProvider           = errors.New("no provider available")
	ErrIncompatibleProtocol = errors.New("incompatible protocol redefinition")
	ErrUnknownProvider      = errors.New("provider not registered")
)

// Config bounds session health tracking.
type Config struct {
	// MaxConsecutiveFailures trips a session's breaker.
	MaxConsecutiveFailures uint32

	// Cooldown is how long a tripped session stays excluded.
	Cooldown time.Duration

	// HeartbeatInterval is the expected provider heartbeat cadence. Sessions
	// silent for two intervals are expired.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the default health thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 5,
		Cooldown:               30 * time.Second,
		HeartbeatInterval:      15 * time.Second,
	}
}

// Registry is the in-memory index of protocols, methods and provider
// sessions. Safe for concurrent use; the engine loop is the main caller but
// status reads arrive from the admin surface.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	policy Policy
	clock  func() time.Time

	mu        sync.RWMutex
	protocols map[string]*Protocol
	schemas   map[string]map[string]*jsonschema.Schema // protocol id -> method -> schema
	sessions  map[string]*session
	buckets   map[string]map[string]*session // "protocol id/method" -> provider id -> session
	cursors   map[string]int                 // round-robin cursor per bucket
}

// New creates an empty registry with the default selection policy.
func New(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		policy:    LeastActive{},
		clock:     func() time.Time { return time.Now().UTC() },
		protocols: make(map[string]*Protocol),
		schemas:   make(map[string]map[string]*jsonschema.Schema),
		sessions:  make(map[string]*session),
		buckets:   make(map[string]map[string]*session),
		cursors:   make(map[string]int),
	}
}

// SetPolicy replaces the selection policy. Intended for construction time.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// RegisterProtocol adds a protocol to the catalog. Idempotent for identical
// definitions; an incompatible redefinition of the same id is rejected.
func (r *Registry) RegisterProtocol(p Protocol) error {
	if err := p.Validate(); err != nil {
		return err
	}
	compiled, err := compileMethodSchemas(&p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.protocols[p.ID()]; ok {
		if existing.equal(&p) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrIncompatibleProtocol, p.ID())
	}
	r.protocols[p.ID()] = &p
	r.schemas[p.ID()] = compiled
	r.logger.Info("registered protocol", "protocol", p.ID(), "methods", len(p.Methods))
	return nil
}

// Protocols returns the catalog in id order.
func (r *Registry) Protocols() []*Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Protocol, 0, len(r.protocols))
	for _, p := range r.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// HasMethod reports whether the catalog knows the (protocol, method) pair.
// The second return distinguishes "protocol missing" from "method missing".
func (r *Registry) HasMethod(protocolID, method string) (methodKnown, protocolKnown bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[protocolID]
	if !ok {
		return false, false
	}
	if _, ok := p.Methods[method]; ok {
		return true, true
	}
	return p.OpenWorld, true
}

// Register adds a provider session to every advertised method bucket.
// Every advertised capability must name a registered protocol, and every
// method must exist in it unless the protocol is open-world. A duplicate
// provider id replaces the previous session (reconnect).
func (r *Registry) Register(info SessionInfo) error {
	if info.ProviderID == "" {
		return fmt.Errorf("provider id must not be empty")
	}
	if len(info.Capabilities) == 0 {
		return fmt.Errorf("provider %s advertises no capabilities", info.ProviderID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cap := range info.Capabilities {
		p, ok := r.protocols[cap.Protocol]
		if !ok {
			return fmt.Errorf("%w: %s (advertised by provider %s)",
				ErrUnknownProtocol, cap.Protocol, info.ProviderID)
		}
		if len(cap.Methods) == 0 {
			return fmt.Errorf("provider %s advertises protocol %s with no methods",
				info.ProviderID, cap.Protocol)
		}
		for _, m := range cap.Methods {
			if _, ok := p.Methods[m]; !ok && !p.OpenWorld {
				return fmt.Errorf("%w: %s/%s (advertised by provider %s)",
					ErrUnknownMethod, cap.Protocol, m, info.ProviderID)
			}
		}
	}

	if _, ok := r.sessions[info.ProviderID]; ok {
		r.removeLocked(info.ProviderID)
		r.logger.Info("replacing provider session", "provider_id", info.ProviderID)
	}

	sess := newSession(info, r.cfg.MaxConsecutiveFailures, r.cfg.Cooldown, r.clock())
	r.sessions[info.ProviderID] = sess
	for _, cap := range info.Capabilities {
		for _, m := range cap.Methods {
			bucket := cap.Protocol + "/" + m
			if r.buckets[bucket] == nil {
				r.buckets[bucket] = make(map[string]*session)
			}
			r.buckets[bucket][info.ProviderID] = sess
		}
	}
	r.logger.Info("registered provider",
		"provider_id", info.ProviderID,
		"capabilities", len(info.Capabilities),
		"max_concurrent", info.MaxConcurrent)
	return nil
}

// Deregister removes a session from every bucket. Returns false when the
// provider was not registered.
func (r *Registry) Deregister(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[providerID]; !ok {
		return false
	}
	r.removeLocked(providerID)
	r.logger.Info("deregistered provider", "provider_id", providerID)
	return true
}

func (r *Registry) removeLocked(providerID string) {
	delete(r.sessions, providerID)
	for bucket, members := range r.buckets {
		delete(members, providerID)
		if len(members) == 0 {
			delete(r.buckets, bucket)
		}
	}
}

// Select picks a session for (protocol, method), skipping excluded provider
// ids. Error classification: unknown protocol and unknown method are
// permanent; a known method with no selectable session is ErrNoProvider,
// which is transient.
func (r *Registry) Select(protocolID, method string, exclude map[string]bool) (SessionView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.protocols[protocolID]
	if !ok {
		return SessionView{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocolID)
	}
	if _, ok := p.Methods[method]; !ok && !p.OpenWorld {
		return SessionView{}, fmt.Errorf("%w: %s/%s", ErrUnknownMethod, protocolID, method)
	}

	bucket := protocolID + "/" + method
	candidates := make([]SessionView, 0, len(r.buckets[bucket]))
	for id, sess := range r.buckets[bucket] {
		if exclude[id] || !sess.selectable() {
			continue
		}
		candidates = append(candidates, sess.view())
	}
	if len(candidates) == 0 {
		return SessionView{}, fmt.Errorf("%w: %s/%s", ErrNoProvider, protocolID, method)
	}
	// Stable input order so the policy is deterministic given equal state.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProviderID < candidates[j].ProviderID
	})

	idx := r.policy.Pick(candidates, r.cursors[bucket])
	r.cursors[bucket]++
	return candidates[idx], nil
}

// MarkDispatched counts a request against the session's concurrency.
func (r *Registry) MarkDispatched(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[providerID]; ok {
		sess.active++
	}
}

// MarkOutcome releases the concurrency slot and feeds the health stats.
func (r *Registry) MarkOutcome(providerID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[providerID]
	if !ok {
		return
	}
	if sess.active > 0 {
		sess.active--
	}
	sess.recordOutcome(success, latency)
}

// Heartbeat refreshes a session's liveness. The provider's own active count
// is advisory; the registry keeps its own.
func (r *Registry) Heartbeat(providerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[providerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if at.IsZero() {
		at = r.clock()
	}
	sess.lastHeartbeat = at
	return nil
}

// ExpireStale removes sessions silent for two heartbeat intervals and
// returns their provider ids so the engine can fail their in-flights.
func (r *Registry) ExpireStale(now time.Time) []string {
	cutoff := now.Add(-2 * r.cfg.HeartbeatInterval)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, sess := range r.sessions {
		if sess.lastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		r.removeLocked(id)
		r.logger.Warn("expired provider session after missed heartbeats", "provider_id", id)
	}
	return expired
}

// ValidateParams checks resolved dispatch params against the method's
// compiled schema. Open-world methods and methods without a schema accept
// anything.
func (r *Registry) ValidateParams(protocolID, method string, params workflow.Params) *workflow.Error {
	r.mu.RLock()
	schema := r.schemas[protocolID][method]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so the instance uses the decoded-JSON value
	// types the validator expects (yaml.v3 yields ints where json has
	// float64).
	data, err := json.Marshal(map[string]any(params))
	if err != nil {
		return workflow.Errorf(workflow.CodeInvalidParams, "params not serializable: %v", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return workflow.Errorf(workflow.CodeInvalidParams, "params not serializable: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		return workflow.Errorf(workflow.CodeInvalidParams,
			"params rejected by %s/%s schema: %v", protocolID, method, err)
	}
	return nil
}

// Sessions returns a stable-ordered snapshot of every session.
func (r *Registry) Sessions() []SessionView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]SessionView, 0, len(r.sessions))
	for _, sess := range r.sessions {
		views = append(views, sess.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ProviderID < views[j].ProviderID })
	return views
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
