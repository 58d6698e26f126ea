package registry

import (
	"time"

	"github.com/sony/gobreaker"
)

// HealthState classifies a session's fitness for dispatch.
type HealthState string

const (
	// HealthHealthy means the breaker is closed and requests flow normally.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded means the breaker is half-open: probing after cooldown.
	HealthDegraded HealthState = "degraded"
	// HealthUnhealthy means the breaker is open; the session is excluded
	// from selection until the cooldown elapses.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthUnknown means no request outcome has been observed yet.
	HealthUnknown HealthState = "unknown"
)

// Capability is one protocol's worth of methods a provider advertises.
type Capability struct {
	// Protocol is the protocol id, e.g. "llm/v1".
	Protocol string `json:"protocol"`

	// Methods lists the methods the provider serves.
	Methods []string `json:"methods"`
}

// SessionInfo is the registration payload for a provider session.
type SessionInfo struct {
	// ProviderID identifies the provider across reconnects.
	ProviderID string `json:"provider_id"`

	// Capabilities lists every (protocol, method) the provider serves.
	Capabilities []Capability `json:"capabilities"`

	// MaxConcurrent caps simultaneous in-flight requests. Zero means
	// unlimited.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// Metadata carries free-form provider details for status output.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EWMA smoothing for the rolling latency average.
const latencyAlpha = 0.2

// session is the registry's live record of one connected provider.
type session struct {
	info        SessionInfo
	connectedAt time.Time

	breaker *gobreaker.TwoStepCircuitBreaker

	// Mutated under the registry lock.
	active        int
	seenOutcome   bool
	avgLatencyMS  float64
	lastHeartbeat time.Time
}

func newSession(info SessionInfo, maxConsecutiveFailures uint32, cooldown time.Duration, now time.Time) *session {
	return &session{
		info:        info,
		connectedAt: now,
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        info.ProviderID,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxConsecutiveFailures
			},
		}),
		lastHeartbeat: now,
	}
}

// recordOutcome feeds the breaker and the latency average.
func (s *session) recordOutcome(success bool, latency time.Duration) {
	s.seenOutcome = true
	if success {
		ms := float64(latency.Milliseconds())
		if s.avgLatencyMS == 0 {
			s.avgLatencyMS = ms
		} else {
			s.avgLatencyMS = latencyAlpha*ms + (1-latencyAlpha)*s.avgLatencyMS
		}
	}
	done, err := s.breaker.Allow()
	if err != nil {
		// Breaker open; the outcome belongs to a request admitted before it
		// tripped and no longer moves the state.
		return
	}
	done(success)
}

// health maps the breaker state to the session's health classification.
func (s *session) health() HealthState {
	switch s.breaker.State() {
	case gobreaker.StateOpen:
		return HealthUnhealthy
	case gobreaker.StateHalfOpen:
		return HealthDegraded
	default:
		if !s.seenOutcome {
			return HealthUnknown
		}
		return HealthHealthy
	}
}

// selectable reports whether the session may receive another request.
// Unknown health is selectable: a fresh session has to get its first request
// from somewhere.
func (s *session) selectable() bool {
	if s.health() == HealthUnhealthy {
		return false
	}
	if s.info.MaxConcurrent > 0 && s.active >= s.info.MaxConcurrent {
		return false
	}
	return true
}

// SessionView is the read-only snapshot handed to selection policies and
// status output.
type SessionView struct {
	ProviderID    string            `json:"provider_id"`
	Capabilities  []Capability      `json:"capabilities"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Health        HealthState       `json:"health"`
	Active        int               `json:"active"`
	AvgLatencyMS  float64           `json:"avg_latency_ms"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

func (s *session) view() SessionView {
	return SessionView{
		ProviderID:    s.info.ProviderID,
		Capabilities:  s.info.Capabilities,
		MaxConcurrent: s.info.MaxConcurrent,
		Metadata:      s.info.Metadata,
		Health:        s.health(),
		Active:        s.active,
		AvgLatencyMS:  s.avgLatencyMS,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.lastHeartbeat,
	}
}
