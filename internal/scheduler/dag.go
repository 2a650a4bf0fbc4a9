package scheduler

import (
	"fmt"

	"github.com/msageha/conductor/internal/model"
)

// ValidatePlan checks a plan's task graph and returns a topological order.
// Field-level defects (duplicate ids, self-references, unknown dependency
// ids) come back as *ValidationErrors; a cycle comes back as *CycleError.
// Either is fatal before any dispatch.
func ValidatePlan(plan model.Plan) ([]string, error) {
	errs := &ValidationErrors{}

	ids := make([]string, 0, len(plan.Tasks))
	seen := make(map[string]bool, len(plan.Tasks))
	edges := make(map[string][]string, len(plan.Tasks))

	for i, task := range plan.Tasks {
		if task.ID == "" {
			errs.Add(fmt.Sprintf("tasks[%d].id", i), "id is required")
			continue
		}
		if seen[task.ID] {
			errs.Add(fmt.Sprintf("tasks[%d].id", i), fmt.Sprintf("duplicate task id %q", task.ID))
			continue
		}
		seen[task.ID] = true
		ids = append(ids, task.ID)
		edges[task.ID] = task.DependsOn
	}

	for _, task := range plan.Tasks {
		for i, dep := range task.DependsOn {
			if dep == task.ID {
				errs.Add(fmt.Sprintf("%s.depends_on[%d]", task.ID, i), "self-reference is not allowed")
				continue
			}
			if !seen[dep] {
				errs.Add(fmt.Sprintf("%s.depends_on[%d]", task.ID, i),
					fmt.Sprintf("references unknown task %q", dep))
			}
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return sortDAG(ids, edges)
}

// sortDAG runs Kahn's algorithm for topological sort. On cycle detection
// it switches to DFS to reconstruct and report the cycle path.
func sortDAG(ids []string, edges map[string][]string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}

	// In-degree plus forward adjacency (dependency -> dependent).
	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}
	for id, deps := range edges {
		for _, dep := range deps {
			if !idSet[dep] {
				continue
			}
			inDegree[id]++
			forward[dep] = append(forward[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		for _, dependent := range forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}
	return nil, &CycleError{Path: findCyclePath(ids, edges, inDegree)}
}

// findCyclePath finds a cycle path among nodes Kahn left with non-zero
// in-degree.
func findCyclePath(ids []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, dep := range edges[id] {
			if color[dep] == gray {
				cyclePath = []string{dep}
				current := id
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = id
				if dfs(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}

// sortDependencies is sortDAG over an arbitrary name -> dependencies map,
// used for agent load ordering.
func sortDependencies(names []string, deps map[string][]string) ([]string, error) {
	errs := &ValidationErrors{}
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}
	for name, ds := range deps {
		for i, d := range ds {
			if d == name {
				errs.Add(fmt.Sprintf("%s.deps[%d]", name, i), "self-reference is not allowed")
			} else if !nameSet[d] {
				errs.Add(fmt.Sprintf("%s.deps[%d]", name, i),
					fmt.Sprintf("references unknown agent %q", d))
			}
		}
	}
	if errs.HasErrors() {
		return nil, errs
	}
	return sortDAG(names, deps)
}
