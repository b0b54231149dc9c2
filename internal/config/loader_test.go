package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.NumWorkers != 3 {
		t.Errorf("num_workers = %d, want 3", cfg.NumWorkers)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.TaskTimeout.Std() != 1800*time.Second {
		t.Errorf("task_timeout = %s, want 30m0s", cfg.TaskTimeout)
	}
	if cfg.HeartbeatInterval.Std() != 30*time.Second {
		t.Errorf("heartbeat_interval = %s, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.Adviser.CheckInterval.Std() != 30*time.Second {
		t.Errorf("adviser.check_interval = %s, want 30s", cfg.Adviser.CheckInterval)
	}
	if cfg.Adviser.AlertThresholds.FailureRate != 0.2 {
		t.Errorf("failure_rate = %v, want 0.2", cfg.Adviser.AlertThresholds.FailureRate)
	}
	if cfg.Adviser.AlertThresholds.StuckTaskTimeout.Std() != 1800*time.Second {
		t.Errorf("stuck_task_timeout = %s, want 30m0s", cfg.Adviser.AlertThresholds.StuckTaskTimeout)
	}
	if got := cfg.EffectiveHeartbeatGrace().Std(); got != 90*time.Second {
		t.Errorf("heartbeat grace = %s, want 1m30s", got)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		global      string
		globalName  string
		project     string
		projectName string
		check       func(t *testing.T, cfg *Config)
		expectError bool
	}{
		{
			name: "no config files returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.NumWorkers != 3 {
					t.Errorf("num_workers = %d, want 3", cfg.NumWorkers)
				}
			},
		},
		{
			name:       "global yaml overrides defaults",
			globalName: "global.yaml",
			global: `
num_workers: 8
task_timeout: 600
adviser:
  check_interval: 10s
  alert_thresholds:
    failure_rate: 0.5
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.NumWorkers != 8 {
					t.Errorf("num_workers = %d, want 8", cfg.NumWorkers)
				}
				if cfg.TaskTimeout.Std() != 10*time.Minute {
					t.Errorf("task_timeout = %s, want 10m0s", cfg.TaskTimeout)
				}
				if cfg.Adviser.CheckInterval.Std() != 10*time.Second {
					t.Errorf("check_interval = %s, want 10s", cfg.Adviser.CheckInterval)
				}
				if cfg.Adviser.AlertThresholds.FailureRate != 0.5 {
					t.Errorf("failure_rate = %v, want 0.5", cfg.Adviser.AlertThresholds.FailureRate)
				}
				// Untouched nested keys keep their defaults.
				if cfg.Adviser.AlertThresholds.StuckTaskTimeout.Std() != 30*time.Minute {
					t.Errorf("stuck_task_timeout = %s, want 30m0s", cfg.Adviser.AlertThresholds.StuckTaskTimeout)
				}
			},
		},
		{
			name:        "project json wins over global yaml",
			globalName:  "global.yaml",
			global:      "num_workers: 8\nmax_retries: 1\n",
			projectName: "project.json",
			project:     `{"num_workers": 2, "executor": {"type": "shell"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.NumWorkers != 2 {
					t.Errorf("num_workers = %d, want 2", cfg.NumWorkers)
				}
				if cfg.MaxRetries != 1 {
					t.Errorf("max_retries = %d, want 1", cfg.MaxRetries)
				}
				if cfg.Executor.Type != "shell" {
					t.Errorf("executor.type = %q, want shell", cfg.Executor.Type)
				}
			},
		},
		{
			name:        "invalid values are rejected",
			projectName: "project.yaml",
			project:     "num_workers: 0\ndefault_priority: 12\n",
			expectError: true,
		},
		{
			name:        "malformed yaml",
			globalName:  "global.yaml",
			global:      "num_workers: [unterminated",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()

			globalPath := ""
			if tt.global != "" {
				globalPath = writeFile(t, dir, tt.globalName, tt.global)
			}
			projectPath := ""
			if tt.project != "" {
				projectPath = writeFile(t, dir, tt.projectName, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Executor.Type != "simulation" {
		t.Errorf("executor.type = %q, want simulation", cfg.Executor.Type)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = -1
	cfg.Executor.Type = "telepathy"
	cfg.Adviser.AlertThresholds.FailureRate = 1.5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"num_workers", "telepathy", "failure_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestDurationDecoding(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Duration
	}{
		{"integer seconds", "heartbeat_interval: 45\n", 45 * time.Second},
		{"fractional seconds", "heartbeat_interval: 0.5\n", 500 * time.Millisecond},
		{"duration string", "heartbeat_interval: 2m\n", 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", tt.input)
			cfg, err := Load("", path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got := cfg.HeartbeatInterval.Std(); got != tt.want {
				t.Errorf("heartbeat_interval = %s, want %s", got, tt.want)
			}
		})
	}
}
