package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/config"
)

// demoFiles are written into the workspace by simulated "create" commands.
var demoFiles = []string{"main.py", "requirements.txt", "README.md"}

// Simulation pretends to run commands. Failures are injected either by
// matching configured patterns or at a seeded random rate, so runs are
// reproducible.
type Simulation struct {
	patterns []string
	rate     float64
	delay    time.Duration

	mu   sync.Mutex
	rng  *rand.Rand
	runs map[string]context.CancelFunc
}

// NewSimulation creates a simulation executor.
func NewSimulation(cfg config.SimulationConfig) *Simulation {
	patterns := make([]string, 0, len(cfg.FailPatterns))
	for _, p := range cfg.FailPatterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}
	return &Simulation{
		patterns: patterns,
		rate:     cfg.FailureRate,
		delay:    cfg.Delay.Std(),
		rng:      rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed)),
		runs:     make(map[string]context.CancelFunc),
	}
}

func (s *Simulation) Name() string { return "simulation" }

func (s *Simulation) Cancel(handle string) error {
	s.mu.Lock()
	cancel, ok := s.runs[handle]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (s *Simulation) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{Method: s.Name()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, req.Timeout)
		defer stop()
	}
	if req.Handle != "" {
		s.mu.Lock()
		s.runs[req.Handle] = cancel
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.runs, req.Handle)
			s.mu.Unlock()
		}()
	}

	if d := s.processingTime(req.Command); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.ExitCode = -1
			res.Duration = time.Since(start)
			res.Error = fmt.Sprintf("command %q aborted: %v", req.Command, ctx.Err())
			return res, fmt.Errorf("command %q aborted: %w", req.Command, ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		res.ExitCode = -1
		res.Error = fmt.Sprintf("command %q aborted: %v", req.Command, err)
		return res, fmt.Errorf("command %q aborted: %w", req.Command, err)
	}

	if reason := s.failure(req.Command); reason != "" {
		cerr := &CommandError{Command: req.Command, ExitCode: 1, Stderr: reason}
		res.ExitCode = 1
		res.Output = "✗ " + reason + "\n"
		res.Error = cerr.Error()
		res.Duration = time.Since(start)
		emit(req.Output, res.Output)
		return res, cerr
	}

	out, err := s.output(req)
	res.Duration = time.Since(start)
	if err != nil {
		res.ExitCode = 1
		res.Error = err.Error()
		return res, &CommandError{Command: req.Command, ExitCode: 1, Stderr: err.Error()}
	}

	res.Success = true
	res.Output = out
	emit(req.Output, out)
	return res, nil
}

// processingTime grows with the command length, one percent of the base
// delay per character.
func (s *Simulation) processingTime(command string) time.Duration {
	if s.delay <= 0 {
		return 0
	}
	return s.delay + time.Duration(len(command))*s.delay/100
}

func (s *Simulation) failure(command string) string {
	lower := strings.ToLower(command)
	for _, p := range s.patterns {
		if strings.Contains(lower, p) {
			return fmt.Sprintf("simulated failure: command matches %q", p)
		}
	}
	if s.rate > 0 {
		s.mu.Lock()
		roll := s.rng.Float64()
		s.mu.Unlock()
		if roll < s.rate {
			return "simulated random failure"
		}
	}
	return ""
}

func (s *Simulation) output(req Request) (string, error) {
	lower := strings.ToLower(req.Command)
	switch {
	case strings.Contains(lower, "create"):
		if err := writeDemoFiles(req); err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Created files: %s\n", strings.Join(demoFiles, ", ")), nil
	case strings.Contains(lower, "test"):
		return "✓ Running tests...\n✓ All tests passed!\n", nil
	case strings.Contains(lower, "build"), strings.Contains(lower, "compile"):
		return "✓ Building project...\n✓ Build successful!\n", nil
	case strings.Contains(lower, "deploy"):
		return "✓ Deploying application...\n✓ Deployment successful!\n", nil
	default:
		return fmt.Sprintf("✓ Executed: %s\n✓ Operation completed successfully!\n", req.Command), nil
	}
}

func writeDemoFiles(req Request) error {
	if req.WorkDir == "" {
		return nil
	}
	if err := os.MkdirAll(req.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	for _, name := range demoFiles {
		content := fmt.Sprintf("# Demo file created by simulation\n# Command: %s\n# Context: %s\n# Created at: %s\n",
			req.Command, req.Context, time.Now().Format(time.RFC3339))
		if err := os.WriteFile(filepath.Join(req.WorkDir, name), []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func emit(fn func(string), out string) {
	if fn == nil {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		fn(line)
	}
}
