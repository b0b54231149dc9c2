package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/executor"
)

// scriptedExecutor returns the configured outcomes in order.
type scriptedExecutor struct {
	mu        sync.Mutex
	responses []any // Each entry is either executor.Result or error
	callCount int
}

func (e *scriptedExecutor) Run(ctx context.Context, req executor.Request) (executor.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.callCount >= len(e.responses) {
		return executor.Result{}, fmt.Errorf("unexpected call %d (only %d responses configured)", e.callCount+1, len(e.responses))
	}

	resp := e.responses[e.callCount]
	e.callCount++

	switch v := resp.(type) {
	case executor.Result:
		return v, nil
	case error:
		return executor.Result{Output: "partial"}, v
	default:
		return executor.Result{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (e *scriptedExecutor) Cancel(string) error { return nil }

func (e *scriptedExecutor) Name() string { return "scripted" }

func (e *scriptedExecutor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callCount
}

func testBreakers() *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistry(config.BreakerConfig{}, slog.New(slog.DiscardHandler))
}

var testRetry = RetryConfig{
	InitialInterval:     10 * time.Millisecond,
	MaxInterval:         50 * time.Millisecond,
	MaxElapsedTime:      time.Second,
	MaxRetries:          3,
	Multiplier:          2.0,
	RandomizationFactor: 0.5,
}

var testRequest = executor.Request{Handle: "h1", TaskID: "t1", Command: "echo hi"}

func TestRunCommand_TransientThenSuccess(t *testing.T) {
	ex := &scriptedExecutor{
		responses: []any{
			errors.New("transient error 1"),
			errors.New("transient error 2"),
			executor.Result{Success: true, Output: "hi"},
		},
	}

	res, err := runCommand(context.Background(), ex, testRequest, testBreakers().Get("scripted"), testRetry)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if res.Output != "hi" {
		t.Errorf("expected output 'hi', got %q", res.Output)
	}
	if ex.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", ex.CallCount())
	}
}

func TestRunCommand_RetriesAreBounded(t *testing.T) {
	ex := &scriptedExecutor{responses: make([]any, 10)}
	for i := range ex.responses {
		ex.responses[i] = fmt.Errorf("error %d", i+1)
	}

	_, err := runCommand(context.Background(), ex, testRequest, testBreakers().Get("scripted"), testRetry)
	if err == nil {
		t.Fatal("expected error")
	}
	if ex.CallCount() != 4 {
		t.Errorf("expected 4 calls (1 try + 3 retries), got %d", ex.CallCount())
	}
}

func TestRunCommand_CommandErrorNotRetried(t *testing.T) {
	cmdErr := &executor.CommandError{Command: "false", ExitCode: 1}
	ex := &scriptedExecutor{responses: []any{cmdErr, executor.Result{Success: true}}}
	cb := testBreakers().Get("scripted")

	res, err := runCommand(context.Background(), ex, testRequest, cb, testRetry)
	if !executor.IsCommandError(err) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if res.Output != "partial" {
		t.Errorf("expected the output of the failed run, got %q", res.Output)
	}
	if ex.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", ex.CallCount())
	}
	if cb.Counts().ConsecutiveFailures != 0 {
		t.Errorf("command failures must not count against the executor, got %d", cb.Counts().ConsecutiveFailures)
	}
}

func TestRunCommand_CircuitOpens(t *testing.T) {
	ex := &scriptedExecutor{responses: make([]any, 20)}
	for i := range ex.responses {
		ex.responses[i] = fmt.Errorf("persistent error %d", i+1)
	}

	breakers := NewCircuitBreakerRegistry(config.BreakerConfig{
		MaxConsecutiveFailures: 3,
		OpenTimeout:            config.Duration(time.Minute),
	}, slog.New(slog.DiscardHandler))
	cb := breakers.Get("scripted")

	// First call: 1 try + 2 retries trip the breaker, the third retry is rejected.
	_, err := runCommand(context.Background(), ex, testRequest, cb, testRetry)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open circuit error, got %v", err)
	}
	if ex.CallCount() != 3 {
		t.Errorf("expected 3 calls before the circuit opened, got %d", ex.CallCount())
	}
	if !breakers.Open("scripted") {
		t.Error("expected breaker to report open")
	}

	// Further calls fail fast without reaching the executor.
	_, err = runCommand(context.Background(), ex, testRequest, cb, testRetry)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected open circuit error, got %v", err)
	}
	if ex.CallCount() != 3 {
		t.Errorf("expected no more calls while open, got %d", ex.CallCount())
	}
}

func TestRunCommand_ContextCancelledStopsRetry(t *testing.T) {
	ex := &scriptedExecutor{responses: make([]any, 100)}
	for i := range ex.responses {
		ex.responses[i] = fmt.Errorf("error %d", i+1)
	}

	retryCfg := testRetry
	retryCfg.InitialInterval = 50 * time.Millisecond
	retryCfg.MaxInterval = 200 * time.Millisecond
	retryCfg.MaxElapsedTime = 10 * time.Second
	retryCfg.MaxRetries = 50

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := runCommand(ctx, ex, testRequest, testBreakers().Get("scripted"), retryCfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("runCommand took %v, expected < 500ms (context should stop retries)", elapsed)
	}
}

func TestCircuitBreakerRegistry_PerExecutor(t *testing.T) {
	registry := testBreakers()

	cb1a := registry.Get("claude")
	cb1b := registry.Get("claude")
	cb2 := registry.Get("shell")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'claude'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances for 'claude' and 'shell'")
	}
	if cb1a.Name() != "claude" {
		t.Errorf("expected circuit breaker name 'claude', got %q", cb1a.Name())
	}
	if registry.Open("claude") {
		t.Error("new breaker should be closed")
	}
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	registry := testBreakers()
	cb := registry.Get("scripted")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := range 10 {
		ex := &scriptedExecutor{responses: []any{context.Canceled}}
		if _, err := runCommand(ctx, ex, testRequest, cb, testRetry); err == nil {
			t.Errorf("call %d: expected error, got success", i+1)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed after cancellations, got state: %v", state)
	}
}

func TestExecutorHealthy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"canceled", context.Canceled, true},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), true},
		{"command error", fmt.Errorf("wrapped: %w", &executor.CommandError{ExitCode: 2}), true},
		{"spawn failure", errors.New("exec: \"claude\": executable file not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executorHealthy(tt.err); got != tt.want {
				t.Errorf("executorHealthy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
