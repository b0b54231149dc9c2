package workspace

// dirPrefix is prepended to task ids to form directory names.
const dirPrefix = "task_"

// Info holds information about a task workspace.
type Info struct {
	Path   string // Absolute path to the workspace directory
	TaskID string // Task that owns the directory
}
