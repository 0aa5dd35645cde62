// Package config loads and validates the daemon's configuration from a
// single ksi.yaml in the config directory, with environment expansion and
// built-in defaults merged underneath user values.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize and
// used throughout the daemon. All filesystem paths the core touches come
// from here; nothing else hard-codes a path.
type Config struct {
	configDir string

	// SocketPath is the unix stream socket clients connect to.
	SocketPath string `yaml:"socket_path"`

	// StorePath is the bbolt database file.
	StorePath string `yaml:"store_path"`

	// LogRoot holds the append-only event log and the dirty marker.
	LogRoot string `yaml:"log_root"`

	// CompositionDir is the root of the declarative component tree.
	CompositionDir string `yaml:"composition_dir"`

	// TransformerDir holds transformer rule YAML files (hot-reloaded).
	TransformerDir string `yaml:"transformer_dir"`

	// CapabilityPolicy is the YAML file mapping event names to required
	// capabilities.
	CapabilityPolicy string `yaml:"capability_policy"`

	// SandboxRoot is the parent directory for per-agent sandboxes.
	SandboxRoot string `yaml:"sandbox_root"`

	// AdminAddr enables the read-only HTTP admin surface when non-empty.
	AdminAddr string `yaml:"admin_addr"`

	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	Providers  map[string]ProviderConfig `yaml:"providers"`
	Completion CompletionConfig          `yaml:"completion"`
	Session    SessionConfig             `yaml:"session"`
	Limits     LimitsConfig              `yaml:"limits"`
	Masking    MaskingConfig             `yaml:"masking"`
	Retention  RetentionConfig           `yaml:"retention"`
}

// ProviderConfig describes one external model CLI.
type ProviderConfig struct {
	// Command is the executable plus fixed arguments. The request is
	// delivered as JSON on stdin; progress and the terminal result come
	// back as NDJSON on stdout.
	Command []string `yaml:"command"`

	// Env is appended to the child process environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Models restricts which models may be routed here; empty allows any.
	Models []string `yaml:"models,omitempty"`
}

// CompletionConfig controls the completion worker pool and retry policy.
type CompletionConfig struct {
	// WorkerCount is the number of session workers.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrent is the global cap on in-flight provider calls.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PerProviderMax / PerModelMax cap concurrency per provider and model.
	PerProviderMax int `yaml:"per_provider_max"`
	PerModelMax    int `yaml:"per_model_max"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts, InitialBackoff, MaxBackoff define the retry policy for
	// retryable provider errors.
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SessionConfig controls session lock behavior.
type SessionConfig struct {
	// LockTimeout is how long one request may hold a session lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// RestartGrace is the window after restart in which stale locks are
	// still honored before being force-released.
	RestartGrace time.Duration `yaml:"restart_grace"`
}

// LimitsConfig bounds queues and spawn fan-out.
type LimitsConfig struct {
	// InboundQueue is the per-connection inbound channel capacity; a
	// client overrunning it sees busy.
	InboundQueue int `yaml:"inbound_queue"`

	// SubscriptionQueue is the per-subscriber outbound watermark; overruns
	// drop the oldest events and emit monitor:lag.
	SubscriptionQueue int `yaml:"subscription_queue"`

	// QueueCapacity bounds the durable store's FIFO queues.
	QueueCapacity int `yaml:"queue_capacity"`

	// SpawnPerParent / SpawnPerOrchestration cap child agents.
	SpawnPerParent        int `yaml:"spawn_per_parent"`
	SpawnPerOrchestration int `yaml:"spawn_per_orchestration"`
}

// MaskingConfig controls secret scrubbing of event payloads before they
// reach the durable log.
type MaskingConfig struct {
	Enabled bool `yaml:"enabled"`

	// PatternGroups name built-in regex groups ("basic", "secrets",
	// "security", "cloud", "all").
	PatternGroups []string `yaml:"pattern_groups"`

	// CustomPatterns are additional user-supplied regexes.
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty"`
}

// RetentionConfig controls the background cleanup sweeps.
type RetentionConfig struct {
	// CleanupInterval is how often the sweeps run.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// RequestRetention keeps terminal completion requests this long.
	RequestRetention time.Duration `yaml:"request_retention"`

	// SessionRetention keeps idle, unlocked sessions this long.
	SessionRetention time.Duration `yaml:"session_retention"`

	// LogRetentionDays keeps this many daily event log files; 0 keeps all.
	LogRetentionDays int `yaml:"log_retention_days"`
}

// MaskingPattern is one masking regex and its replacement.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description,omitempty"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// Default returns the built-in configuration. User values are merged over
// these, so every field has a working default except the paths validated
// in Validate.
func Default() *Config {
	return &Config{
		SocketPath:      "ksi.sock",
		StorePath:       "ksi.db",
		LogRoot:         "log",
		CompositionDir:  "compositions",
		TransformerDir:  "transformers",
		SandboxRoot:     "sandbox",
		DefaultProvider: "claude_cli",
		DefaultModel:    "default",
		Completion: CompletionConfig{
			WorkerCount:    4,
			MaxConcurrent:  8,
			PerProviderMax: 4,
			PerModelMax:    4,
			Timeout:        5 * time.Minute,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Session: SessionConfig{
			LockTimeout:  10 * time.Minute,
			RestartGrace: time.Minute,
		},
		Limits: LimitsConfig{
			InboundQueue:          64,
			SubscriptionQueue:     256,
			QueueCapacity:         4096,
			SpawnPerParent:        16,
			SpawnPerOrchestration: 32,
		},
		Masking: MaskingConfig{
			Enabled:       true,
			PatternGroups: []string{"secrets"},
		},
		Retention: RetentionConfig{
			CleanupInterval:  time.Hour,
			RequestRetention: 7 * 24 * time.Hour,
			SessionRetention: 30 * 24 * time.Hour,
			LogRetentionDays: 14,
		},
	}
}
