package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/scheduler"
)

type workflowCall struct {
	project  string
	features []string
	opts     scheduler.WorkflowOptions
}

// fakeSubmitter records submissions. Commands named "invalid" are rejected
// as validation errors and err, when set, is returned for everything else.
type fakeSubmitter struct {
	mu        sync.Mutex
	tasks     []scheduler.Submission
	batches   [][]scheduler.BatchItem
	workflows []workflowCall
	err       error
	next      int
}

func (f *fakeSubmitter) newTask() *scheduler.Task {
	f.next++
	return &scheduler.Task{ID: fmt.Sprintf("id-%d", f.next)}
}

func (f *fakeSubmitter) check(subs ...scheduler.Submission) error {
	if f.err != nil {
		return f.err
	}
	for _, s := range subs {
		for _, c := range s.Commands {
			if c == "invalid" {
				return &scheduler.ValidationError{Field: "commands", Reason: "invalid command"}
			}
		}
	}
	return nil
}

func (f *fakeSubmitter) SubmitTask(_ context.Context, sub scheduler.Submission) (*scheduler.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(sub); err != nil {
		return nil, err
	}
	f.tasks = append(f.tasks, sub)
	return f.newTask(), nil
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, items []scheduler.BatchItem) ([]*scheduler.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if err := f.check(it.Submission); err != nil {
			return nil, err
		}
	}
	f.batches = append(f.batches, items)
	out := make([]*scheduler.Task, len(items))
	for i := range items {
		out[i] = f.newTask()
	}
	return out, nil
}

func (f *fakeSubmitter) SubmitWorkflow(_ context.Context, project string, features []string, opts scheduler.WorkflowOptions) ([]*scheduler.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	f.workflows = append(f.workflows, workflowCall{project, features, opts})
	return []*scheduler.Task{f.newTask()}, nil
}

func (f *fakeSubmitter) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeSubmitter) {
	t.Helper()
	sub := &fakeSubmitter{}
	w, err := NewWatcher(filepath.Join(t.TempDir(), "inbox"), sub, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return w, sub
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
		check   func(t *testing.T, f *File)
	}{
		{
			name: "single task",
			content: `
task:
  description: build
  commands: [make, make test]
  priority: 2
  depends_on: [abc]
`,
			check: func(t *testing.T, f *File) {
				require.NotNil(t, f.Task)
				assert.Equal(t, []string{"make", "make test"}, f.Task.Commands)
				assert.Equal(t, 2, f.Task.Priority)
				assert.Equal(t, []string{"abc"}, f.Task.DependsOn)
			},
		},
		{
			name: "batch",
			content: `
tasks:
  - key: build
    commands: [make]
  - key: deploy
    commands: [./deploy.sh]
    after: [build]
  - commands: [notify]
`,
			check: func(t *testing.T, f *File) {
				items := f.Batch()
				require.Len(t, items, 3)
				assert.Equal(t, []string{"build"}, items[1].After)
				assert.Equal(t, "task-3", items[2].Key)
			},
		},
		{
			name:    "json workflow",
			content: `{"workflow": {"project_name": "shop", "features": ["login", "cart"], "finalize": true}}`,
			check: func(t *testing.T, f *File) {
				require.NotNil(t, f.Workflow)
				assert.Equal(t, "shop", f.Workflow.ProjectName)
				assert.Equal(t, []string{"login", "cart"}, f.Workflow.Features)
				assert.True(t, f.Workflow.Finalize)
			},
		},
		{name: "empty", content: "", wantErr: "file is empty"},
		{name: "no section", content: "other: 1\n", wantErr: "field other not found"},
		{name: "nothing set", content: "tasks: []\n", wantErr: "expected one of"},
		{
			name:    "two sections",
			content: "task: {commands: [a]}\nworkflow: {project_name: p, features: [f]}\n",
			wantErr: "only one of",
		},
		{name: "after on single task", content: "task: {commands: [a], after: [x]}\n", wantErr: "after is only valid"},
		{name: "malformed", content: "task: [unclosed\n", wantErr: "invalid spool file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var perr *ParseError
				assert.ErrorAs(t, err, &perr)
				return
			}
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestWatcher_ProcessSubmitsAndArchives(t *testing.T) {
	w, sub := newTestWatcher(t)
	ctx := context.Background()

	path := writeFile(t, w.Dir(), "build.yaml", "task:\n  description: ' build '\n  commands: [make]\n")
	require.NoError(t, w.Process(ctx, path))

	require.Len(t, sub.tasks, 1)
	assert.Equal(t, "build", sub.tasks[0].Description)
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(w.Dir(), "processed", "build.yaml"))

	// A second file with the same name does not overwrite the first.
	path = writeFile(t, w.Dir(), "build.yaml", "task: {commands: [make]}\n")
	require.NoError(t, w.Process(ctx, path))
	entries, err := os.ReadDir(filepath.Join(w.Dir(), "processed"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWatcher_WorkflowAndBatch(t *testing.T) {
	w, sub := newTestWatcher(t)
	ctx := context.Background()

	writeFile(t, w.Dir(), "a.yml", "workflow:\n  project_name: shop\n  features: [login]\n  scaffold: true\n")
	writeFile(t, w.Dir(), "b.json", `{"tasks": [{"key": "x", "commands": ["a"]}, {"key": "y", "commands": ["b"], "after": ["x"]}]}`)

	assert.Equal(t, 2, w.Scan(ctx))
	require.Len(t, sub.workflows, 1)
	assert.Equal(t, "shop", sub.workflows[0].project)
	assert.True(t, sub.workflows[0].opts.Scaffold)
	require.Len(t, sub.batches, 1)
	assert.Equal(t, "y", sub.batches[0][1].Key)
}

func TestWatcher_RejectsInvalidFiles(t *testing.T) {
	w, sub := newTestWatcher(t)
	ctx := context.Background()

	bad := writeFile(t, w.Dir(), "bad.yaml", "nonsense: true\n")
	invalid := writeFile(t, w.Dir(), "invalid.yaml", "task: {commands: [invalid]}\n")
	require.NoError(t, w.Process(ctx, bad))
	require.NoError(t, w.Process(ctx, invalid))

	assert.Zero(t, sub.taskCount())
	for _, name := range []string{"bad.yaml", "invalid.yaml"} {
		assert.FileExists(t, filepath.Join(w.Dir(), "rejected", name))
		reason, err := os.ReadFile(filepath.Join(w.Dir(), "rejected", name+".error"))
		require.NoError(t, err)
		assert.NotEmpty(t, reason)
	}
	reason, _ := os.ReadFile(filepath.Join(w.Dir(), "rejected", "invalid.yaml.error"))
	assert.Contains(t, string(reason), "invalid command")
}

func TestWatcher_KeepsFileOnSubmitFailure(t *testing.T) {
	w, sub := newTestWatcher(t)
	sub.err = &scheduler.StorageError{Op: "save", Err: errors.New("disk full")}
	ctx := context.Background()

	path := writeFile(t, w.Dir(), "retry.yaml", "task: {commands: [make]}\n")
	err := w.Process(ctx, path)
	require.Error(t, err)
	assert.FileExists(t, path)

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	assert.Equal(t, 1, w.Scan(ctx))
	assert.NoFileExists(t, path)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	w, sub := newTestWatcher(t)
	ctx := context.Background()

	writeFile(t, w.Dir(), ".partial.yaml", "task: {commands: [make]}\n")
	writeFile(t, w.Dir(), "notes.txt", "task: {commands: [make]}\n")
	outside := writeFile(t, t.TempDir(), "elsewhere.yaml", "task: {commands: [make]}\n")

	assert.Zero(t, w.Scan(ctx))
	require.NoError(t, w.Process(ctx, outside))
	assert.Zero(t, sub.taskCount())
	assert.FileExists(t, filepath.Join(w.Dir(), ".partial.yaml"))
}

func TestWatcher_RunPicksUpNewFiles(t *testing.T) {
	w, sub := newTestWatcher(t)
	w.RescanInterval = time.Hour

	writeFile(t, w.Dir(), "existing.yaml", "task: {commands: [first]}\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return sub.taskCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Written under a dotfile name and renamed into place.
	tmp := writeFile(t, w.Dir(), ".new.yaml", "task: {commands: [second]}\n")
	require.NoError(t, os.Rename(tmp, filepath.Join(w.Dir(), "new.yaml")))

	require.Eventually(t, func() bool { return sub.taskCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(w.Dir(), "processed", "new.yaml"))

	cancel()
	require.NoError(t, <-done)
}
