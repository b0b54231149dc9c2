// Package executor runs task commands: in a shell, through an agent CLI, or in
// simulation.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/config"
)

// Request is a single command to run.
type Request struct {
	Handle  string        // Identifies the run for Cancel
	TaskID  string
	Command string
	Context string        // Task description passed along to agents
	WorkDir string
	Timeout time.Duration // Zero means bounded only by ctx

	// Output, when set, receives each line the command prints.
	Output func(line string)
}

// Result describes a finished command.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exit_code"`
	Method   string        `json:"method"`
	Duration time.Duration `json:"duration"`
}

// Executor runs commands on behalf of workers.
type Executor interface {
	// Run executes req. A command that ran and failed returns a Result with
	// Success false and a non-nil *CommandError.
	Run(ctx context.Context, req Request) (Result, error)

	// Cancel aborts the run registered under handle, if any.
	Cancel(handle string) error

	// Name identifies the executor, e.g. "shell" or "claude".
	Name() string
}

// CommandError reports a command that ran but did not succeed.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed with exit code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
}

// IsCommandError reports whether err is a *CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// New creates an executor based on the provided configuration.
func New(cfg config.ExecutorConfig, pm *ProcessManager) (Executor, error) {
	if pm == nil {
		pm = NewProcessManager()
	}
	switch cfg.Type {
	case "", "simulation":
		return NewSimulation(cfg.Simulation), nil
	case "shell":
		return NewShell(cfg, pm), nil
	case "claude", "codex", "goose":
		return NewAgentCLI(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown executor type: %s", cfg.Type)
	}
}
