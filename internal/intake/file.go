// Package intake submits work dropped as files into a spool directory.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/scheduler"
)

// File is the content of a spool file. Exactly one section must be set.
// JSON files use the same keys.
type File struct {
	Task     *TaskSpec     `yaml:"task,omitempty"`
	Tasks    []TaskSpec    `yaml:"tasks,omitempty"`
	Workflow *WorkflowSpec `yaml:"workflow,omitempty"`
}

// TaskSpec describes one task. In a batch, Key names the task and After
// lists the keys of other tasks in the same file it depends on.
type TaskSpec struct {
	Key         string   `yaml:"key,omitempty"`
	Description string   `yaml:"description"`
	Commands    []string `yaml:"commands"`
	Priority    int      `yaml:"priority,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"` // Ids of existing tasks
	After       []string `yaml:"after,omitempty"`
}

// WorkflowSpec describes a project workflow.
type WorkflowSpec struct {
	ProjectName string   `yaml:"project_name"`
	Features    []string `yaml:"features"`
	Scaffold    bool     `yaml:"scaffold,omitempty"`
	Finalize    bool     `yaml:"finalize,omitempty"`
}

// ParseError reports a spool file that cannot be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "invalid spool file: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes and checks a spool file. YAML is a superset of JSON, so one
// decoder serves both formats.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Err: errors.New("file is empty")}
		}
		return nil, &ParseError{Err: err}
	}

	sections := 0
	if f.Task != nil {
		sections++
	}
	if len(f.Tasks) > 0 {
		sections++
	}
	if f.Workflow != nil {
		sections++
	}
	switch {
	case sections == 0:
		return nil, &ParseError{Err: errors.New("expected one of task, tasks or workflow")}
	case sections > 1:
		return nil, &ParseError{Err: errors.New("only one of task, tasks or workflow may be set")}
	}

	if f.Task != nil && len(f.Task.After) > 0 {
		return nil, &ParseError{Err: errors.New("after is only valid in a tasks batch")}
	}
	return &f, nil
}

func (s TaskSpec) submission() scheduler.Submission {
	return scheduler.Submission{
		Description: strings.TrimSpace(s.Description),
		Commands:    s.Commands,
		Priority:    s.Priority,
		DependsOn:   s.DependsOn,
	}
}

// Batch converts the tasks section to batch items. Tasks without a key get
// a positional one.
func (f *File) Batch() []scheduler.BatchItem {
	items := make([]scheduler.BatchItem, len(f.Tasks))
	for i, spec := range f.Tasks {
		key := spec.Key
		if key == "" {
			key = fmt.Sprintf("task-%d", i+1)
		}
		items[i] = scheduler.BatchItem{Key: key, Submission: spec.submission(), After: spec.After}
	}
	return items
}
