package engine

import (
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Recovery policies for tasks that were running when the engine crashed.
const (
	// RecoveryRequeue reverts in-flight tasks to ready when attempt budget
	// remains, failing them otherwise.
	RecoveryRequeue = "requeue"

	// RecoveryFail fails in-flight tasks with connection_lost so an
	// operator can inspect what was cut off.
	RecoveryFail = "fail"
)

// Config tunes the engine. Zero values take the documented defaults.
type Config struct {
	// MaxConcurrentTasks caps tasks in running status. Default 10.
	MaxConcurrentTasks int

	// QueueCapacity bounds the ready queue. Default queue.DefaultCapacity.
	QueueCapacity int

	// AgingEnabled promotes starved queue entries one priority level per
	// AgingThreshold of waiting.
	AgingEnabled   bool
	AgingThreshold time.Duration

	// DispatchTimeout is the per-attempt deadline when a task does not set
	// its own. Default 60s.
	DispatchTimeout time.Duration

	// NoProviderRetryDelay is the park delay when a known method has no
	// live provider. Default 5s.
	NoProviderRetryDelay time.Duration

	// DefaultStrategy applies to workflows that do not choose a failure
	// strategy. Default fail_fast.
	DefaultStrategy workflow.FailureStrategy

	// Recovery selects the crash-recovery policy for running tasks.
	// Default RecoveryRequeue.
	Recovery string

	// MaintenanceInterval drives the aging/heartbeat/deadline sweep.
	// Default 1s.
	MaintenanceInterval time.Duration

	// RetryDefaults seeds task retry policies at ingestion.
	RetryDefaults workflow.RetryPolicy

	// NoConsumeCodes lists error codes that reschedule without consuming
	// an attempt. Default: no_provider_available_transient,
	// queue_full_backpressure.
	NoConsumeCodes []workflow.ErrorCode
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:   10,
		AgingEnabled:         true,
		AgingThreshold:       30 * time.Second,
		DispatchTimeout:      60 * time.Second,
		NoProviderRetryDelay: 5 * time.Second,
		DefaultStrategy:      workflow.FailFast,
		Recovery:             RecoveryRequeue,
		MaintenanceInterval:  time.Second,
		RetryDefaults:        workflow.RetryPolicy{}.Normalize(),
		NoConsumeCodes: []workflow.ErrorCode{
			workflow.CodeNoProviderTransient,
			workflow.CodeQueueFull,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.AgingThreshold <= 0 {
		c.AgingThreshold = d.AgingThreshold
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.NoProviderRetryDelay <= 0 {
		c.NoProviderRetryDelay = d.NoProviderRetryDelay
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	if c.Recovery == "" {
		c.Recovery = d.Recovery
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	c.RetryDefaults = c.RetryDefaults.Normalize()
	if c.NoConsumeCodes == nil {
		c.NoConsumeCodes = d.NoConsumeCodes
	}
	return c
}

// consumesAttempt reports whether a failure with the given code charges the
// task's attempt budget.
func (c Config) consumesAttempt(code workflow.ErrorCode) bool {
	for _, nc := range c.NoConsumeCodes {
		if nc == code {
			return false
		}
	}
	return true
}
