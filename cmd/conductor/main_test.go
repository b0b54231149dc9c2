package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/api"
	"github.com/aristath/conductor/internal/config"
)

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_VersionAndUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("version exit code = %d", code)
	}
	if !strings.HasPrefix(stdout.String(), "conductor dev") {
		t.Errorf("version output = %q", stdout.String())
	}

	stdout.Reset()
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Errorf("unknown command exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "unknown command: bogus") {
		t.Errorf("stderr = %q", stderr.String())
	}

	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Errorf("no command exit code = %d, want 2", code)
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	var stdout, stderr bytes.Buffer

	if code := run([]string{"init-config", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.NumWorkers != config.DefaultConfig().NumWorkers {
		t.Errorf("num_workers = %d", cfg.NumWorkers)
	}

	if code := run([]string{"init-config", path}, &stdout, &stderr); code != 1 {
		t.Errorf("second init exit code = %d, want 1", code)
	}
	if code := run([]string{"init-config", "-force", path}, &stdout, &stderr); code != 0 {
		t.Errorf("forced init exit code = %d, want 0", code)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"http://example.com/", "http://example.com"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.addr); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestSubmitFile_PostsSection(t *testing.T) {
	var gotPath string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = nil
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		if r.URL.Path == "/api/tasks" {
			io.WriteString(w, `{"task_id":"t1"}`)
			return
		}
		io.WriteString(w, `{"task_ids":["a","b"]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tests := []struct {
		name     string
		content  string
		wantPath string
		wantKey  string
		wantIDs  []string
	}{
		{"task", "task: {description: d, commands: [make]}\n", "/api/tasks", "commands", []string{"t1"}},
		{"batch", "tasks: [{key: x, commands: [a]}, {commands: [b], after: [x]}]\n", "/api/batches", "tasks", []string{"a", "b"}},
		{"workflow", `{"workflow": {"project_name": "p", "features": ["f"]}}`, "/api/workflows", "project_name", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			ids, err := submitFile(context.Background(), srv.Client(), srv.URL, path)
			if err != nil {
				t.Fatalf("submitFile: %v", err)
			}
			if gotPath != tt.wantPath {
				t.Errorf("path = %s, want %s", gotPath, tt.wantPath)
			}
			if _, ok := gotBody[tt.wantKey]; !ok {
				t.Errorf("body has no %q field", tt.wantKey)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestSubmitFile_ReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"validation failed: commands: at least one command is required"}`)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("task: {commands: [x]}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := submitFile(context.Background(), srv.Client(), srv.URL, path)
	if err == nil || !strings.Contains(err.Error(), "at least one command") {
		t.Fatalf("err = %v", err)
	}

	if err := os.WriteFile(path, []byte("nonsense: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := submitFile(context.Background(), srv.Client(), srv.URL, path); err == nil {
		t.Fatal("expected a parse error")
	}
}

// TestServe_EndToEnd starts the full stack on a free port, submits work over
// the API and through the intake directory, and shuts down on cancellation.
func TestServe_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := strings.Join([]string{
		"num_workers: 2",
		"database_path: " + filepath.Join(dir, "conductor.db"),
		"workspace_dir: " + filepath.Join(dir, "ws"),
		"shutdown_timeout: 2s",
		"dispatcher: {interval: 50ms}",
		"intake: {enabled: true, dir: " + filepath.Join(dir, "inbox") + "}",
	}, "\n") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	var logs syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, serveOptions{configPath: cfgPath, addr: "127.0.0.1:0"}, &logs)
	}()

	addrRe := regexp.MustCompile(`conductor started.* addr=(\S+)`)
	var base string
	waitUntil(t, 5*time.Second, func() bool {
		if m := addrRe.FindStringSubmatch(logs.String()); m != nil {
			base = "http://" + m[1]
			return true
		}
		return false
	})

	spool := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(spool, []byte("task: {description: build, commands: [build]}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ids, err := submitFile(context.Background(), http.DefaultClient, base, spool)
	if err != nil {
		t.Fatalf("submitFile: %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool {
		resp, err := http.Get(base + "/api/tasks/" + ids[0])
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var detail api.TaskDetail
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil || detail.Task == nil {
			return false
		}
		return detail.Status == "completed" && len(detail.Attempts) == 1
	})

	// Rename into the inbox so the watcher never sees a partial file.
	inbox := filepath.Join(dir, "inbox")
	staged := filepath.Join(dir, "dropped.yaml")
	if err := os.WriteFile(staged, []byte("task: {commands: [deploy]}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(staged, filepath.Join(inbox, "dropped.yaml")); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(inbox, "processed", "dropped.yaml"))
		return err == nil
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
	if !strings.Contains(logs.String(), "Coordinator stopped") {
		t.Errorf("missing shutdown log:\n%s", logs.String())
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels correctly when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context did not cancel after SIGUSR1")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
