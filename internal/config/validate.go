package config

import (
	"errors"
	"fmt"
	"strings"
)

var executorTypes = map[string]bool{
	"simulation": true,
	"shell":      true,
	"claude":     true,
	"codex":      true,
	"goose":      true,
}

var logLevels = map[string]bool{
	"DEBUG":   true,
	"INFO":    true,
	"WARNING": true,
	"ERROR":   true,
}

// Validate reports every invalid setting in c.
func (c *Config) Validate() error {
	var errs []error

	if c.NumWorkers <= 0 {
		errs = append(errs, fmt.Errorf("num_workers must be positive, got %d", c.NumWorkers))
	}
	if c.WorkspaceDir == "" {
		errs = append(errs, errors.New("workspace_dir must not be empty"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path must not be empty"))
	}
	if c.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task_timeout must be positive, got %s", c.TaskTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatGrace < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_grace must not be negative, got %s", c.HeartbeatGrace))
	}
	if c.DefaultPriority < 1 || c.DefaultPriority > 9 {
		errs = append(errs, fmt.Errorf("default_priority must be within 1..9, got %d", c.DefaultPriority))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if !logLevels[strings.ToUpper(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if !executorTypes[c.Executor.Type] {
		errs = append(errs, fmt.Errorf("unknown executor type %q", c.Executor.Type))
	}
	if r := c.Executor.Simulation.FailureRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("executor.simulation.failure_rate must be within [0,1], got %v", r))
	}
	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.interval must be positive, got %s", c.Dispatcher.Interval))
	}
	if c.Adviser.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("adviser.check_interval must be positive, got %s", c.Adviser.CheckInterval))
	}
	if r := c.Adviser.AlertThresholds.FailureRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("adviser.alert_thresholds.failure_rate must be within [0,1], got %v", r))
	}
	if c.Adviser.AlertThresholds.StuckTaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("adviser.alert_thresholds.stuck_task_timeout must be positive, got %s", c.Adviser.AlertThresholds.StuckTaskTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
