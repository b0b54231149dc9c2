package config

// SimulationConfig tunes the simulation executor.
type SimulationConfig struct {
	FailPatterns []string `json:"fail_patterns,omitempty" yaml:"fail_patterns,omitempty"` // Substrings that make a command fail
	FailureRate  float64  `json:"failure_rate" yaml:"failure_rate"`                       // Probability of a random failure
	Seed         int64    `json:"seed" yaml:"seed"`                                       // Seed for the random source
	Delay        Duration `json:"delay" yaml:"delay"`                                     // Base processing time per command
}

// ExecutorConfig selects and configures the command executor.
// Type is one of "simulation", "shell", "claude", "codex" or "goose".
// Command overrides the binary, Model and Provider only apply to agent CLIs.
type ExecutorConfig struct {
	Type       string           `json:"type" yaml:"type"`
	Command    string           `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string         `json:"args,omitempty" yaml:"args,omitempty"`
	Model      string           `json:"model,omitempty" yaml:"model,omitempty"`
	Provider   string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`
}

// DispatcherConfig controls the scheduling loop.
type DispatcherConfig struct {
	Interval  Duration `json:"interval" yaml:"interval"`     // Fallback tick between passes
	ScanLimit int      `json:"scan_limit" yaml:"scan_limit"` // Max queue entries inspected per pop
}

// AlertThresholds holds the adviser's alert triggers.
type AlertThresholds struct {
	FailureRate      float64  `json:"failure_rate" yaml:"failure_rate"`
	StuckTaskTimeout Duration `json:"stuck_task_timeout" yaml:"stuck_task_timeout"`
}

// AdviserConfig controls the health-check loop.
type AdviserConfig struct {
	CheckInterval   Duration        `json:"check_interval" yaml:"check_interval"`
	FailureWindow   int             `json:"failure_window" yaml:"failure_window"` // Number of recent outcomes in the failure rate
	AlertThresholds AlertThresholds `json:"alert_thresholds" yaml:"alert_thresholds"`
}

// BreakerConfig configures the circuit breaker around executor runs.
type BreakerConfig struct {
	MaxConsecutiveFailures uint32   `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	OpenTimeout            Duration `json:"open_timeout" yaml:"open_timeout"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// IntakeConfig configures the spool directory watcher.
type IntakeConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
}

// WorkspaceConfig configures per-task working directories.
type WorkspaceConfig struct {
	Cleanup bool `json:"cleanup" yaml:"cleanup"` // Remove a task's directory once it completes
}

// Config is the top-level configuration.
type Config struct {
	NumWorkers        int      `json:"num_workers" yaml:"num_workers"`
	WorkspaceDir      string   `json:"workspace_dir" yaml:"workspace_dir"`
	DatabasePath      string   `json:"database_path" yaml:"database_path"`
	TaskTimeout       Duration `json:"task_timeout" yaml:"task_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatGrace    Duration `json:"heartbeat_grace" yaml:"heartbeat_grace"` // Zero means three intervals
	DefaultPriority   int      `json:"default_priority" yaml:"default_priority"`
	MaxRetries        int      `json:"max_retries" yaml:"max_retries"`
	LogLevel          string   `json:"log_level" yaml:"log_level"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	Executor   ExecutorConfig   `json:"executor" yaml:"executor"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Adviser    AdviserConfig    `json:"adviser" yaml:"adviser"`
	Breaker    BreakerConfig    `json:"breaker" yaml:"breaker"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Intake     IntakeConfig     `json:"intake" yaml:"intake"`
	Workspace  WorkspaceConfig  `json:"workspace" yaml:"workspace"`
}

// EffectiveHeartbeatGrace returns the silence after which a worker counts as unresponsive.
func (c *Config) EffectiveHeartbeatGrace() Duration {
	if c.HeartbeatGrace > 0 {
		return c.HeartbeatGrace
	}
	return 3 * c.HeartbeatInterval
}
