// Package config provides configuration loading and management for Gleitzeit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Duration is a time.Duration that accepts duration strings ("30s", "2m")
// or a bare number of seconds in YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n float64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the complete Gleitzeit configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Retry    RetryConfig    `yaml:"retry"`
	Registry RegistryConfig `yaml:"registry"`
	HTTP     HTTPConfig     `yaml:"http"`
	Watch    []WatchConfig  `yaml:"watch"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty with Embedded = in-process bus).
	URL string `yaml:"url"`
	// Embedded starts an in-process nats-server when no URL is given.
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's JetStream directory.
	StoreDir string `yaml:"store_dir"`
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout Duration `yaml:"connect_timeout"`
	// Name labels the connection in server monitoring.
	Name string `yaml:"name"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is memory, file, nats or redis.
	Backend string `yaml:"backend"`

	File  FileStoreConfig `yaml:"file"`
	Redis RedisConfig     `yaml:"redis"`
}

// FileStoreConfig configures the file backend.
type FileStoreConfig struct {
	// Dir is the state directory root.
	Dir string `yaml:"dir"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// EngineConfig tunes the orchestration loop.
type EngineConfig struct {
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	QueueCapacity      int `yaml:"queue_capacity"`

	Aging AgingConfig `yaml:"aging"`

	// DispatchTimeoutDefault applies to tasks without their own timeout.
	DispatchTimeoutDefault Duration `yaml:"dispatch_timeout_default"`

	// NoProviderRetryDelay is the park delay when no provider serves a
	// known method.
	NoProviderRetryDelay Duration `yaml:"no_provider_retry_delay"`

	// FailureStrategy is fail_fast or continue.
	FailureStrategy string `yaml:"failure_strategy"`

	// Recovery is requeue or fail.
	Recovery string `yaml:"recovery"`

	MaintenanceInterval Duration `yaml:"maintenance_interval"`
}

// AgingConfig controls starvation-avoidance promotion in the ready queue.
type AgingConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold Duration `yaml:"threshold"`
}

// RetryConfig seeds task retry policies.
type RetryConfig struct {
	Defaults RetryDefaults `yaml:"defaults"`

	// NoConsumeCodes lists error codes that reschedule without consuming
	// an attempt.
	NoConsumeCodes []string `yaml:"no_consume_codes"`
}

// RetryDefaults is the default retry policy for tasks that set none.
type RetryDefaults struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Strategy    string   `yaml:"strategy"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      *bool    `yaml:"jitter"`
}

// RegistryConfig tunes provider health tracking.
type RegistryConfig struct {
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	Cooldown               Duration `yaml:"cooldown"`
	HeartbeatInterval      Duration `yaml:"heartbeat_interval"`
}

// HTTPConfig configures the admin endpoint (healthz/readyz/status/metrics).
type HTTPConfig struct {
	// Addr is the listen address; empty disables the admin server.
	Addr string `yaml:"addr"`
}

// WatchConfig is one batch directory watcher.
type WatchConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Template  string `yaml:"template"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		NATS: NATSConfig{
			URL:            "",
			Embedded:       true,
			ConnectTimeout: Duration(5 * time.Second),
			Name:           "gleitzeit",
		},
		Store: StoreConfig{
			Backend: "memory",
			File:    FileStoreConfig{Dir: "gleitzeit-data"},
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Engine: EngineConfig{
			MaxConcurrentTasks:     10,
			QueueCapacity:          1000,
			Aging:                  AgingConfig{Enabled: true, Threshold: Duration(30 * time.Second)},
			DispatchTimeoutDefault: Duration(60 * time.Second),
			NoProviderRetryDelay:   Duration(5 * time.Second),
			FailureStrategy:        string(workflow.FailFast),
			Recovery:               "requeue",
			MaintenanceInterval:    Duration(time.Second),
		},
		Retry: RetryConfig{
			Defaults: RetryDefaults{
				MaxAttempts: 1,
				Strategy:    string(workflow.BackoffExponential),
				BaseDelay:   Duration(time.Second),
				MaxDelay:    Duration(60 * time.Second),
			},
			NoConsumeCodes: []string{
				string(workflow.CodeNoProviderTransient),
				string(workflow.CodeQueueFull),
			},
		},
		Registry: RegistryConfig{
			MaxConsecutiveFailures: 5,
			Cooldown:               Duration(30 * time.Second),
			HeartbeatInterval:      Duration(10 * time.Second),
		},
		HTTP: HTTPConfig{Addr: ""},
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var storeBackends = map[string]bool{"memory": true, "file": true, "nats": true, "redis": true}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if !storeBackends[c.Store.Backend] {
		return fmt.Errorf("store.backend must be memory, file, nats or redis, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "file" && c.Store.File.Dir == "" {
		return fmt.Errorf("store.file.dir is required for the file backend")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}
	if c.Store.Backend == "nats" && c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("store.backend nats requires a NATS server (url or embedded)")
	}

	if c.Engine.MaxConcurrentTasks < 1 {
		return fmt.Errorf("engine.max_concurrent_tasks must be at least 1")
	}
	if c.Engine.QueueCapacity < 1 {
		return fmt.Errorf("engine.queue_capacity must be at least 1")
	}
	if !workflow.FailureStrategy(c.Engine.FailureStrategy).IsValid() {
		return fmt.Errorf("engine.failure_strategy must be fail_fast or continue, got %q", c.Engine.FailureStrategy)
	}
	if c.Engine.Recovery != "requeue" && c.Engine.Recovery != "fail" {
		return fmt.Errorf("engine.recovery must be requeue or fail, got %q", c.Engine.Recovery)
	}
	for name, d := range map[string]Duration{
		"engine.dispatch_timeout_default": c.Engine.DispatchTimeoutDefault,
		"engine.no_provider_retry_delay":  c.Engine.NoProviderRetryDelay,
		"engine.maintenance_interval":     c.Engine.MaintenanceInterval,
		"registry.cooldown":               c.Registry.Cooldown,
		"registry.heartbeat_interval":     c.Registry.HeartbeatInterval,
		"retry.defaults.base_delay":       c.Retry.Defaults.BaseDelay,
		"retry.defaults.max_delay":        c.Retry.Defaults.MaxDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Retry.Defaults.MaxAttempts < 1 {
		return fmt.Errorf("retry.defaults.max_attempts must be at least 1")
	}
	if !workflow.BackoffStrategy(c.Retry.Defaults.Strategy).IsValid() {
		return fmt.Errorf("retry.defaults.strategy must be fixed, linear or exponential, got %q", c.Retry.Defaults.Strategy)
	}
	for _, code := range c.Retry.NoConsumeCodes {
		if !workflow.ErrorCode(code).IsValid() {
			return fmt.Errorf("retry.no_consume_codes lists unknown code %q", code)
		}
	}

	if c.Registry.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("registry.max_consecutive_failures must be at least 1")
	}

	for i, w := range c.Watch {
		if w.Directory == "" || w.Pattern == "" || w.Template == "" {
			return fmt.Errorf("watch[%d]: directory, pattern and template are all required", i)
		}
	}
	return nil
}

// RetryPolicy converts the configured defaults into the workflow form.
func (c *Config) RetryPolicy() workflow.RetryPolicy {
	d := c.Retry.Defaults
	p := workflow.RetryPolicy{
		MaxAttempts: d.MaxAttempts,
		Strategy:    workflow.BackoffStrategy(d.Strategy),
		BaseDelay:   workflow.Duration(d.BaseDelay),
		MaxDelay:    workflow.Duration(d.MaxDelay),
	}
	if d.Jitter != nil {
		jitter := *d.Jitter
		p.Jitter = &jitter
	}
	return p.Normalize()
}

// NoConsumeCodes converts the configured codes into the workflow form.
func (c *Config) NoConsumeCodes() []workflow.ErrorCode {
	codes := make([]workflow.ErrorCode, 0, len(c.Retry.NoConsumeCodes))
	for _, s := range c.Retry.NoConsumeCodes {
		codes = append(codes, workflow.ErrorCode(s))
	}
	return codes
}

// LoadFromFile loads configuration from a YAML file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.File.Dir != "" {
		c.Store.File.Dir = other.Store.File.Dir
	}
	if other.Store.Redis.Addr != "" {
		c.Store.Redis = other.Store.Redis
	}

	if other.Engine.MaxConcurrentTasks != 0 {
		c.Engine.MaxConcurrentTasks = other.Engine.MaxConcurrentTasks
	}
	if other.Engine.QueueCapacity != 0 {
		c.Engine.QueueCapacity = other.Engine.QueueCapacity
	}
	if other.Engine.Aging.Threshold != 0 {
		c.Engine.Aging = other.Engine.Aging
	}
	if other.Engine.DispatchTimeoutDefault != 0 {
		c.Engine.DispatchTimeoutDefault = other.Engine.DispatchTimeoutDefault
	}
	if other.Engine.NoProviderRetryDelay != 0 {
		c.Engine.NoProviderRetryDelay = other.Engine.NoProviderRetryDelay
	}
	if other.Engine.FailureStrategy != "" {
		c.Engine.FailureStrategy = other.Engine.FailureStrategy
	}
	if other.Engine.Recovery != "" {
		c.Engine.Recovery = other.Engine.Recovery
	}
	if other.Engine.MaintenanceInterval != 0 {
		c.Engine.MaintenanceInterval = other.Engine.MaintenanceInterval
	}

	if other.Retry.Defaults.MaxAttempts != 0 {
		c.Retry.Defaults.MaxAttempts = other.Retry.Defaults.MaxAttempts
	}
	if other.Retry.Defaults.Strategy != "" {
		c.Retry.Defaults.Strategy = other.Retry.Defaults.Strategy
	}
	if other.Retry.Defaults.BaseDelay != 0 {
		c.Retry.Defaults.BaseDelay = other.Retry.Defaults.BaseDelay
	}
	if other.Retry.Defaults.MaxDelay != 0 {
		c.Retry.Defaults.MaxDelay = other.Retry.Defaults.MaxDelay
	}
	if other.Retry.Defaults.Jitter != nil {
		c.Retry.Defaults.Jitter = other.Retry.Defaults.Jitter
	}
	if len(other.Retry.NoConsumeCodes) > 0 {
		c.Retry.NoConsumeCodes = other.Retry.NoConsumeCodes
	}

	if other.Registry.MaxConsecutiveFailures != 0 {
		c.Registry.MaxConsecutiveFailures = other.Registry.MaxConsecutiveFailures
	}
	if other.Registry.Cooldown != 0 {
		c.Registry.Cooldown = other.Registry.Cooldown
	}
	if other.Registry.HeartbeatInterval != 0 {
		c.Registry.HeartbeatInterval = other.Registry.HeartbeatInterval
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if len(other.Watch) > 0 {
		c.Watch = other.Watch
	}
}

// ApplyEnv overlays GLEITZEIT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GLEITZEIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GLEITZEIT_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("GLEITZEIT_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("GLEITZEIT_STORE_FILE_DIR"); v != "" {
		c.Store.File.Dir = v
	}
	if v := os.Getenv("GLEITZEIT_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("GLEITZEIT_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("GLEITZEIT_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxConcurrentTasks = n
		}
	}
}
