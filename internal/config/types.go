package config

import (
	"time"
)

// RepoConfig locates the git repository the run operates on.
type RepoConfig struct {
	Path        string `koanf:"path"`         // Repository root (default ".")
	BaseBranch  string `koanf:"base_branch"`  // Branch workers branch from and merge to
	WorktreeDir string `koanf:"worktree_dir"` // Directory under the repo for worker worktrees
}

// AgentConfig describes how the external coding agent is invoked.
type AgentConfig struct {
	Command           string        `koanf:"command"`            // Agent CLI binary
	Args              []string      `koanf:"args"`               // Base args for every invocation
	Timeout           time.Duration `koanf:"timeout"`            // Per-worker wall clock budget
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"` // Heartbeat cadence
}

// SchedulerConfig bounds batch execution.
type SchedulerConfig struct {
	ConcurrencyLimit int  `koanf:"concurrency_limit"` // Max workers running at once
	IncompleteOnly   bool `koanf:"incomplete_only"`   // Exclude completed stories from planning
}

// HealthConfig sets the liveness thresholds.
type HealthConfig struct {
	HungThreshold time.Duration `koanf:"hung_threshold"`
	DeadThreshold time.Duration `koanf:"dead_threshold"`
	CheckInterval time.Duration `koanf:"check_interval"` // Periodic sweep cadence
	GracePeriod   time.Duration `koanf:"grace_period"`   // How long a hung worker gets before reclaim
}

// RetryConfig sets the resubmission policy.
type RetryConfig struct {
	MaxRetries  int           `koanf:"max_retries"`
	BaseBackoff time.Duration `koanf:"base_backoff"`
	Multiplier  float64       `koanf:"multiplier"`
}

// EventsConfig sizes the bus.
type EventsConfig struct {
	HistoryCapacity int `koanf:"history_capacity"`
}

// StateConfig locates the persisted state read by the dashboard layer.
type StateConfig struct {
	Dir string `koanf:"dir"` // Holds heartbeats/, health-events.jsonl, retries.jsonl, foreman.db
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `koanf:"listen_addr"` // Empty disables the listener
}

// Config is the top-level foreman configuration.
type Config struct {
	Repo      RepoConfig      `koanf:"repo"`
	Agent     AgentConfig     `koanf:"agent"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Health    HealthConfig    `koanf:"health"`
	Retry     RetryConfig     `koanf:"retry"`
	Events    EventsConfig    `koanf:"events"`
	State     StateConfig     `koanf:"state"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}
