package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/config"
)

// Shell runs each command with `sh -c` in the task workspace.
type Shell struct {
	shell string
	args  []string
	pm    *ProcessManager
}

// NewShell creates a shell executor. cfg.Command overrides the shell binary.
func NewShell(cfg config.ExecutorConfig, pm *ProcessManager) *Shell {
	shell := cfg.Command
	if shell == "" {
		shell = "sh"
	}
	return &Shell{shell: shell, args: cfg.Args, pm: pm}
}

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Run(ctx context.Context, req Request) (Result, error) {
	args := append(append([]string(nil), s.args...), "-c", req.Command)
	res, _, err := runProcess(ctx, s.pm, req, s.Name(), s.shell, args...)
	return res, err
}

func (s *Shell) Cancel(handle string) error {
	return s.pm.Kill(handle)
}

// runProcess runs name with args for req and builds a Result from stdout and
// stderr. The raw stdout is returned for callers that parse it.
func runProcess(ctx context.Context, pm *ProcessManager, req Request, method, name string, args ...string) (Result, []byte, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := newCommand(ctx, name, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "CONDUCTOR_TASK_ID="+req.TaskID)

	stdout, stderr, err := executeCommand(cmd, pm, req.Handle, req.Output)

	res := Result{
		Output:   combineOutput(stdout, stderr),
		Method:   method,
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			res.ExitCode = -1
			res.Error = fmt.Sprintf("command %q aborted: %v", req.Command, ctx.Err())
			return res, nil, fmt.Errorf("command %q aborted: %w", req.Command, ctx.Err())
		}
		res.ExitCode = exitCode(err)
		if res.ExitCode < 0 {
			// The process never ran to an exit status.
			res.Error = err.Error()
			return res, nil, fmt.Errorf("failed to run %s: %w", name, err)
		}
		cerr := &CommandError{Command: req.Command, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(stderr))}
		res.Error = cerr.Error()
		return res, nil, cerr
	}

	res.Success = true
	return res, stdout, nil
}

func combineOutput(stdout, stderr []byte) string {
	out := string(stdout)
	if len(stderr) > 0 {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += "[stderr]: " + string(stderr)
	}
	return out
}
