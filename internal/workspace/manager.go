// Package workspace manages the per-task working directories commands run in.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Manager creates and removes task workspaces under a root directory.
type Manager struct {
	root string
	mu   sync.Mutex // Serializes Prune against Create/Remove
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("workspace directory is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory for taskID without creating it.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.root, dirPrefix+taskID)
}

// Create makes the workspace for taskID. An existing directory is reused so a
// retried task sees what earlier attempts left behind.
func (m *Manager) Create(taskID string) (*Info, error) {
	if err := checkID(taskID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.Path(taskID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace for task %s: %w", taskID, err)
	}
	return &Info{Path: path, TaskID: taskID}, nil
}

// Remove deletes the workspace for taskID. A missing directory is not an error.
func (m *Manager) Remove(taskID string) error {
	if err := checkID(taskID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.Path(taskID)); err != nil {
		return fmt.Errorf("failed to remove workspace for task %s: %w", taskID, err)
	}
	return nil
}

// List returns all task workspaces, sorted by task id.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), dirPrefix)
		if id == "" {
			continue
		}
		infos = append(infos, Info{Path: filepath.Join(m.root, e.Name()), TaskID: id})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TaskID < infos[j].TaskID })
	return infos, nil
}

// Prune removes every workspace whose task keep rejects and returns the
// removed task ids. Directories that are not task workspaces are left alone.
func (m *Manager) Prune(keep func(taskID string) bool) ([]string, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	var errs []string
	for _, info := range infos {
		if keep(info.TaskID) {
			continue
		}
		if err := os.RemoveAll(info.Path); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", info.TaskID, err))
			continue
		}
		removed = append(removed, info.TaskID)
	}

	if len(errs) > 0 {
		return removed, fmt.Errorf("prune errors: %s", strings.Join(errs, "; "))
	}
	return removed, nil
}

func checkID(taskID string) error {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return fmt.Errorf("invalid task id for workspace: %q", taskID)
	}
	return nil
}
