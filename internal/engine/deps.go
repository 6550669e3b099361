package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// ValidateDependencies rejects malformed dependency lists before any write:
// non-positive ids and duplicates.
func ValidateDependencies(deps []int64) error {
	seen := make(map[int64]bool, len(deps))
	for _, id := range deps {
		if id <= 0 {
			return &InvalidDependencyError{Reason: "id must be positive", ID: id}
		}
		if seen[id] {
			return &InvalidDependencyError{Reason: "duplicate", ID: id}
		}
		seen[id] = true
	}
	return nil
}

// hasCycle walks the persisted dependency graph breadth-first from each id
// in newDeps. If the traversal reaches originID (or newDeps references it
// directly), adding those edges would close a cycle. The visited set keeps
// diamond-shaped graphs from looping or being misreported.
//
// originID is nil for a task not yet persisted; nothing can transitively
// depend on a node that does not exist, so only the existing graph matters.
func (e *Engine) hasCycle(ctx context.Context, q store.Querier, originID *int64, newDeps []int64) (bool, error) {
	if len(newDeps) == 0 {
		return false, nil
	}

	visited := make(map[int64]bool)
	queue := append([]int64(nil), newDeps...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if originID != nil && id == *originID {
			return true, nil
		}
		if visited[id] {
			continue
		}
		visited[id] = true

		deps, found, err := e.store.TaskDependencies(ctx, q, id)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		queue = append(queue, deps...)
	}
	return false, nil
}

// ValidateBatch checks a breakdown batch, where dependencies are zero-based
// positional indices into the batch. It rejects out-of-range and
// self-referential indices, then runs Kahn's algorithm over the induced
// graph; if the topological sort cannot consume every node, the remainder
// forms a cycle and the whole batch is rejected.
func ValidateBatch(specs []models.TaskSpec) error {
	n := len(specs)
	dependents := make([][]int, n)
	inDegree := make([]int, n)

	for i, spec := range specs {
		seen := make(map[int64]bool, len(spec.Dependencies))
		for _, dep := range spec.Dependencies {
			if dep < 0 || dep >= int64(n) {
				return &InvalidDependencyError{Reason: fmt.Sprintf("index out of range (batch size %d)", n), ID: dep}
			}
			if dep == int64(i) {
				return &InvalidDependencyError{Reason: "task cannot depend on itself", ID: dep}
			}
			if seen[dep] {
				return &InvalidDependencyError{Reason: "duplicate", ID: dep}
			}
			seen[dep] = true
			dependents[dep] = append(dependents[dep], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	removed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		removed++
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if removed != n {
		var cycle []int64
		for i := 0; i < n; i++ {
			if inDegree[i] > 0 {
				cycle = append(cycle, int64(i))
			}
		}
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// DetectAllCycles audits the persisted dependency graph and reports every
// distinct cycle. A maintenance/diagnostic path, not part of claiming.
// projectID narrows the audit to one project; nil audits everything.
func (e *Engine) DetectAllCycles(ctx context.Context, projectID *int64) ([][]int64, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := e.store.ProjectTaskIDs(ctx, q, projectID)
	if err != nil {
		return nil, err
	}

	graph := make(map[int64][]int64, len(ids))
	for _, id := range ids {
		deps, _, err := e.store.TaskDependencies(ctx, q, id)
		if err != nil {
			return nil, err
		}
		graph[id] = deps
	}

	// Iterative DFS with three-color marking; when a back edge hits a node
	// on the current path, the path suffix from that node is a cycle.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int64]int, len(graph))
	seen := make(map[string]bool)
	var cycles [][]int64

	var path []int64
	var visit func(id int64)
	visit = func(id int64) {
		color[id] = gray
		path = append(path, id)
		for _, dep := range graph[id] {
			if _, ok := graph[dep]; !ok {
				continue // dangling reference, not a cycle
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == dep {
						cycle := append([]int64(nil), path[i:]...)
						key := cycleKey(cycle)
						if !seen[key] {
							seen[key] = true
							cycles = append(cycles, cycle)
						}
						break
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	sortedIDs := append([]int64(nil), ids...)
	sort.Slice(sortedIDs, func(i, j int) bool { return sortedIDs[i] < sortedIDs[j] })
	for _, id := range sortedIDs {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles, nil
}

// cycleKey normalizes a cycle to its rotation starting at the smallest id,
// so the same cycle found from different entry points dedupes.
func cycleKey(cycle []int64) string {
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	var b strings.Builder
	for i := 0; i < len(cycle); i++ {
		fmt.Fprintf(&b, "%d,", cycle[(minIdx+i)%len(cycle)])
	}
	return b.String()
}
