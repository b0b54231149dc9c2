package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// ValidateGraph checks that the dependency adjacency set is acyclic and
// returns the node ids in an order where every node follows its dependencies.
// deps maps a node id to the ids it depends on. Dependencies that are not keys
// of deps are treated as already-existing tasks: they constrain ordering but
// are not included in the result.
func ValidateGraph(deps map[string][]string) ([]string, error) {
	// Iterate in sorted order so equal-rank nodes come out deterministically.
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var edges []toposort.Edge
	for _, id := range ids {
		if len(deps[id]) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps[id] {
			if dep == id {
				return nil, fmt.Errorf("task %q depends on itself", id)
			}
			// Edge (dep, id) means dep must come before id
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(deps))
	for _, v := range sorted {
		id, ok := v.(string)
		if !ok {
			continue
		}
		if _, local := deps[id]; local {
			order = append(order, id)
		}
	}

	if len(order) != len(deps) {
		return nil, fmt.Errorf("dependency graph lost %d of %d tasks during ordering", len(deps)-len(order), len(deps))
	}
	return order, nil
}
