package scheduler

import (
	"fmt"
	"strings"
)

// WorkflowPriority is the priority given to feature tasks of a workflow.
const WorkflowPriority = 3

// WorkflowOptions controls the optional head and tail tasks of a workflow.
type WorkflowOptions struct {
	Scaffold bool // Prepend a project structure task
	Finalize bool // Append a final testing and packaging task
}

// ExpandWorkflow turns a project and its ordered features into a linear chain
// of batch items: every item depends on the one before it.
func ExpandWorkflow(project string, features []string, opts WorkflowOptions) ([]BatchItem, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return nil, invalid("project_name", "must not be empty")
	}
	if len(features) == 0 {
		return nil, invalid("features", "at least one feature is required")
	}

	var items []BatchItem
	link := func(key, description string, priority int, commands ...string) {
		item := BatchItem{
			Key: key,
			Submission: Submission{
				Description: description,
				Commands:    commands,
				Priority:    priority,
			},
		}
		if n := len(items); n > 0 {
			item.After = []string{items[n-1].Key}
		}
		items = append(items, item)
	}

	if opts.Scaffold {
		link("scaffold", "Create project structure for "+project, PriorityCritical,
			"Create a new project directory structure for "+project,
			"Initialize git repository in the project",
			"Create basic configuration files (requirements.txt, README.md, .gitignore)",
			"Set up basic project template",
		)
	}

	for i, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, invalid("features", "feature %d is empty", i)
		}
		link(fmt.Sprintf("feature-%d", i), "Implement feature: "+f, WorkflowPriority,
			fmt.Sprintf("Implement %s for %s", f, project),
			"Add comprehensive tests for "+f,
			"Update documentation for "+f,
			"Verify feature integration",
		)
	}

	if opts.Finalize {
		link("finalize", "Finalize "+project, PriorityCritical,
			"Run comprehensive tests for "+project,
			"Generate final documentation",
			"Create deployment package",
			"Perform final code review and cleanup",
		)
	}

	return items, nil
}
