package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory backend by default, got %s", cfg.Store.Backend)
	}
	if cfg.Engine.MaxConcurrentTasks != 10 {
		t.Errorf("expected 10 concurrent tasks, got %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Retry.Defaults.MaxAttempts != 1 {
		t.Errorf("expected 1 attempt by default, got %d", cfg.Retry.Defaults.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:    "unknown store backend",
			modify:  func(c *Config) { c.Store.Backend = "sqlite" },
			wantErr: true,
		},
		{
			name:    "file backend without dir",
			modify:  func(c *Config) { c.Store.Backend = "file"; c.Store.File.Dir = "" },
			wantErr: true,
		},
		{
			name:    "redis backend without addr",
			modify:  func(c *Config) { c.Store.Backend = "redis"; c.Store.Redis.Addr = "" },
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Engine.MaxConcurrentTasks = 0 },
			wantErr: true,
		},
		{
			name:    "unknown failure strategy",
			modify:  func(c *Config) { c.Engine.FailureStrategy = "explode" },
			wantErr: true,
		},
		{
			name:    "unknown recovery mode",
			modify:  func(c *Config) { c.Engine.Recovery = "replay" },
			wantErr: true,
		},
		{
			name:    "negative dispatch timeout",
			modify:  func(c *Config) { c.Engine.DispatchTimeoutDefault = Duration(-time.Second) },
			wantErr: true,
		},
		{
			name:    "unknown retry strategy",
			modify:  func(c *Config) { c.Retry.Defaults.Strategy = "quadratic" },
			wantErr: true,
		},
		{
			name:    "unknown no-consume code",
			modify:  func(c *Config) { c.Retry.NoConsumeCodes = []string{"not_a_code"} },
			wantErr: true,
		},
		{
			name:    "watch entry missing template",
			modify:  func(c *Config) { c.Watch = []WatchConfig{{Directory: "in", Pattern: "*.txt"}} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
log_level: debug
nats:
  url: "nats://test:4222"
store:
  backend: redis
  redis:
    addr: "redis:6379"
    db: 2
engine:
  max_concurrent_tasks: 32
  dispatch_timeout_default: 2m
  no_provider_retry_delay: 10
retry:
  defaults:
    max_attempts: 3
    base_delay: 500ms
    jitter: false
http:
  addr: ":8080"
watch:
  - directory: inbox
    pattern: "**/*.txt"
    template: flow.yaml
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.DB != 2 {
		t.Errorf("expected redis backend db 2, got %s db %d", cfg.Store.Backend, cfg.Store.Redis.DB)
	}
	if cfg.Engine.MaxConcurrentTasks != 32 {
		t.Errorf("expected 32 concurrent tasks, got %d", cfg.Engine.MaxConcurrentTasks)
	}
	if cfg.Engine.DispatchTimeoutDefault.Std() != 2*time.Minute {
		t.Errorf("expected dispatch timeout 2m, got %v", cfg.Engine.DispatchTimeoutDefault.Std())
	}
	// Bare numbers are seconds.
	if cfg.Engine.NoProviderRetryDelay.Std() != 10*time.Second {
		t.Errorf("expected park delay 10s, got %v", cfg.Engine.NoProviderRetryDelay.Std())
	}
	if cfg.Retry.Defaults.MaxAttempts != 3 || cfg.Retry.Defaults.BaseDelay.Std() != 500*time.Millisecond {
		t.Errorf("retry defaults = %+v", cfg.Retry.Defaults)
	}
	if cfg.Retry.Defaults.Jitter == nil || *cfg.Retry.Defaults.Jitter {
		t.Error("expected jitter explicitly disabled")
	}
	// Unset sections keep their defaults.
	if cfg.Engine.QueueCapacity != 1000 {
		t.Errorf("expected default queue capacity, got %d", cfg.Engine.QueueCapacity)
	}
	if len(cfg.Watch) != 1 || cfg.Watch[0].Pattern != "**/*.txt" {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		LogLevel: "debug",
		NATS:     NATSConfig{URL: "nats://other:4222"},
		Engine:   EngineConfig{MaxConcurrentTasks: 4},
	}

	base.Merge(override)

	if base.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", base.LogLevel)
	}
	// Setting a URL turns the embedded server off.
	if base.NATS.URL != "nats://other:4222" || base.NATS.Embedded {
		t.Errorf("NATS = %+v", base.NATS)
	}
	if base.Engine.MaxConcurrentTasks != 4 {
		t.Errorf("expected 4 concurrent tasks, got %d", base.Engine.MaxConcurrentTasks)
	}
	// Fields the override left unset keep their base values.
	if base.Store.Backend != "memory" {
		t.Errorf("expected backend to remain memory, got %s", base.Store.Backend)
	}
	if base.Engine.QueueCapacity != 1000 {
		t.Errorf("expected queue capacity to remain default, got %d", base.Engine.QueueCapacity)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.LogLevel = "warn"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.LogLevel != "warn" {
		t.Errorf("expected log level warn, got %s", loaded.LogLevel)
	}
	if loaded.Engine.DispatchTimeoutDefault.Std() != 60*time.Second {
		t.Errorf("expected round-tripped dispatch timeout, got %v", loaded.Engine.DispatchTimeoutDefault.Std())
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GLEITZEIT_LOG_LEVEL", "error")
	t.Setenv("GLEITZEIT_NATS_URL", "nats://env:4222")
	t.Setenv("GLEITZEIT_MAX_CONCURRENT_TASKS", "7")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.LogLevel != "error" {
		t.Errorf("expected log level error, got %s", cfg.LogLevel)
	}
	if cfg.NATS.URL != "nats://env:4222" || cfg.NATS.Embedded {
		t.Errorf("NATS = %+v", cfg.NATS)
	}
	if cfg.Engine.MaxConcurrentTasks != 7 {
		t.Errorf("expected 7 concurrent tasks, got %d", cfg.Engine.MaxConcurrentTasks)
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	cfg := DefaultConfig()
	jitter := false
	cfg.Retry.Defaults = RetryDefaults{
		MaxAttempts: 5,
		Strategy:    "linear",
		BaseDelay:   Duration(2 * time.Second),
		MaxDelay:    Duration(30 * time.Second),
		Jitter:      &jitter,
	}

	p := cfg.RetryPolicy()
	if p.MaxAttempts != 5 || p.Strategy != workflow.BackoffLinear {
		t.Errorf("policy = %+v", p)
	}
	if p.BaseDelay != workflow.Duration(2*time.Second) || p.MaxDelay != workflow.Duration(30*time.Second) {
		t.Errorf("policy delays = %+v", p)
	}
	if p.JitterEnabled() {
		t.Error("expected jitter disabled")
	}

	codes := cfg.NoConsumeCodes()
	if len(codes) != 2 || codes[0] != workflow.CodeNoProviderTransient {
		t.Errorf("no-consume codes = %v", codes)
	}
}
