package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"

	defaultRescanInterval = 5 * time.Second
)

// Submitter accepts the work described by spool files.
type Submitter interface {
	SubmitTask(ctx context.Context, sub scheduler.Submission) (*scheduler.Task, error)
	SubmitBatch(ctx context.Context, items []scheduler.BatchItem) ([]*scheduler.Task, error)
	SubmitWorkflow(ctx context.Context, project string, features []string, opts scheduler.WorkflowOptions) ([]*scheduler.Task, error)
}

// Watcher submits spool files as they appear. Accepted files are moved to
// processed/, invalid ones to rejected/ next to an .error file. Files that
// fail for any other reason stay in place and are retried on the next scan.
//
// Writers should create files under a dot-prefixed name and rename them into
// place; dotfiles are ignored.
type Watcher struct {
	dir    string
	submit Submitter
	logger *slog.Logger

	// RescanInterval is the period of the fallback directory scan.
	RescanInterval time.Duration

	mu   sync.Mutex      // Serializes processing
	done map[string]bool // Submitted files that could not be moved away
}

// NewWatcher creates the spool directory and its processed/ and rejected/
// subdirectories.
func NewWatcher(dir string, submit Submitter, logger *slog.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("intake directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve intake directory: %w", err)
	}
	for _, d := range []string{abs, filepath.Join(abs, processedDir), filepath.Join(abs, rejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:            abs,
		submit:         submit,
		logger:         logger.With(logging.ComponentKey, "Intake"),
		RescanInterval: defaultRescanInterval,
		done:           make(map[string]bool),
	}, nil
}

// Dir returns the absolute spool directory.
func (w *Watcher) Dir() string { return w.dir }

// Run scans the directory once, then processes files on filesystem events
// and on every rescan until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching intake directory", "dir", w.dir)

	w.Scan(ctx)

	interval := w.RescanInterval
	if interval <= 0 {
		interval = defaultRescanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
				if err := w.Process(ctx, event.Name); err != nil {
					w.logger.Warn("failed to process intake file, will retry", "file", event.Name, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan processes every eligible file in the directory in name order and
// returns how many were submitted.
func (w *Watcher) Scan(ctx context.Context) int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("failed to read intake directory", "dir", w.dir, "error", err)
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && eligible(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	submitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		path := filepath.Join(w.dir, name)
		ok, err := w.process(ctx, path)
		if err != nil {
			w.logger.Warn("failed to process intake file, will retry", "file", path, "error", err)
			continue
		}
		if ok {
			submitted++
		}
	}
	return submitted
}

// Process submits a single spool file. It returns an error only when the file
// was left in place for a later retry.
func (w *Watcher) Process(ctx context.Context, path string) error {
	_, err := w.process(ctx, path)
	return err
}

// process reports whether the file was submitted.
func (w *Watcher) process(ctx context.Context, path string) (bool, error) {
	name := filepath.Base(path)
	if filepath.Dir(path) != w.dir || !eligible(name) {
		return false, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done[name] {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already handled by an earlier event or scan.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	ids, err := w.submitFile(ctx, data)
	var perr *ParseError
	switch {
	case errors.As(err, &perr) || scheduler.IsValidation(err):
		w.logger.Warn("Rejected intake file", "file", name, "error", err)
		return false, w.reject(path, err)
	case err != nil:
		return false, err
	}

	w.logger.Info("Intake file submitted", "file", name, "tasks", len(ids), "task_ids", ids)
	if _, err := w.move(path, processedDir); err != nil {
		// The tasks exist; never submit the file twice.
		w.done[name] = true
		w.logger.Error("failed to archive submitted intake file", "file", name, "error", err)
	}
	return true, nil
}

func (w *Watcher) submitFile(ctx context.Context, data []byte) ([]string, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	var tasks []*scheduler.Task
	switch {
	case f.Task != nil:
		var t *scheduler.Task
		t, err = w.submit.SubmitTask(ctx, f.Task.submission())
		if t != nil {
			tasks = []*scheduler.Task{t}
		}
	case len(f.Tasks) > 0:
		tasks, err = w.submit.SubmitBatch(ctx, f.Batch())
	default:
		wf := f.Workflow
		tasks, err = w.submit.SubmitWorkflow(ctx, wf.ProjectName, wf.Features, scheduler.WorkflowOptions{
			Scaffold: wf.Scaffold,
			Finalize: wf.Finalize,
		})
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

func (w *Watcher) reject(path string, cause error) error {
	dest, err := w.move(path, rejectedDir)
	if err != nil {
		return err
	}
	sidecar := dest + ".error"
	if err := os.WriteFile(sidecar, []byte(cause.Error()+"\n"), 0o644); err != nil {
		w.logger.Warn("failed to write rejection reason", "file", sidecar, "error", err)
	}
	return nil
}

// move renames path into the given subdirectory and returns the new path. An
// existing file of the same name is kept and the new one gets a unique suffix.
func (w *Watcher) move(path, subdir string) (string, error) {
	name := filepath.Base(path)
	dest := filepath.Join(w.dir, subdir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		dest = filepath.Join(w.dir, subdir, strings.TrimSuffix(name, ext)+"-"+uuid.NewString()[:8]+ext)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", name, subdir, err)
	}
	return dest, nil
}

// eligible reports whether name looks like a finished spool file.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
