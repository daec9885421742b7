package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/duneforge/workforce/internal/mission"
)

// CycleError reports a dependency cycle with one stable witness path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: cycle %s", ErrMalformedPlan, strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrMalformedPlan; a cyclic plan is one
// species of malformed plan.
func (e *CycleError) Unwrap() error { return ErrMalformedPlan }

// validateAcyclic proves the dependency graph has no cycles using Kahn's
// algorithm. On failure it extracts one deterministic cycle path for the
// error message.
func validateAcyclic(tasks []*mission.Task) error {
	indeg := make(map[string]int, len(tasks))
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indeg[t.ID]; !ok {
			indeg[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], t.ID)
			indeg[t.ID]++
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}

	queue := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if indeg[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(tasks) {
		return nil
	}
	return &CycleError{Path: findCycle(tasks, out)}
}

// findCycle runs a deterministic DFS to extract a single cycle witness.
func findCycle(tasks []*mission.Task, out map[string][]string) []string {
	const (
		white = iota
		gray
		black
	)

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(ids))
	parent := make(map[string]string, len(ids))
	var cycle []string

	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range out[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back-edge u -> v closes a cycle. Walk parents back to v.
				cycle = append(cycle, v)
				for cur := u; cur != v && cur != ""; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			break
		}
	}

	// Reverse the parent walk so the path reads in edge direction.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
