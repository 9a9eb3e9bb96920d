package services

import (
	"fmt"
	"sort"

	"go-kestrel/internal/scheduler/models"
)

// workflowGraph is the validated dependency graph of a workflow's children
type workflowGraph struct {
	nodes map[string][]string // task id -> dependency ids
	order []string            // declaration order, for stable iteration
}

// buildWorkflowGraph validates node declarations and assembles the graph.
// Duplicate task ids, dependencies outside the child set, self-dependencies
// and cycles are all rejected as validation errors.
func buildWorkflowGraph(nodes []models.WorkflowNode) (*workflowGraph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow has no tasks", ErrValidation)
	}

	g := &workflowGraph{
		nodes: make(map[string][]string, len(nodes)),
		order: make([]string, 0, len(nodes)),
	}
	for _, node := range nodes {
		if node.TaskID == "" {
			return nil, fmt.Errorf("%w: workflow node missing task_id", ErrValidation)
		}
		if _, exists := g.nodes[node.TaskID]; exists {
			return nil, fmt.Errorf("%w: duplicate workflow task %q", ErrValidation, node.TaskID)
		}
		g.nodes[node.TaskID] = node.Dependencies
		g.order = append(g.order, node.TaskID)
	}

	for taskID, deps := range g.nodes {
		for _, dep := range deps {
			if dep == taskID {
				return nil, fmt.Errorf("%w: workflow task %q depends on itself", ErrValidation, taskID)
			}
			if _, exists := g.nodes[dep]; !exists {
				return nil, fmt.Errorf("%w: workflow task %q depends on unknown task %q", ErrValidation, taskID, dep)
			}
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycle runs a three-state depth-first search over the graph
func (g *workflowGraph) detectCycle() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = gray
		for _, dep := range g.nodes[id] {
			switch colors[dep] {
			case gray:
				return fmt.Errorf("%w: workflow contains a dependency cycle through %q", ErrValidation, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}

	for _, id := range g.order {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort returns a dependency-respecting total order (Kahn's algorithm).
// Ties break by declaration order so serial runs are deterministic.
func (g *workflowGraph) topoSort() []string {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, deps := range g.nodes {
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	var ready []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	sorted := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return position[ready[i]] < position[ready[j]]
		})
		next := ready[0]
		ready = ready[1:]
		sorted = append(sorted, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return sorted
}

// readySet returns the tasks whose dependencies are all satisfied and which
// have not been visited yet, in declaration order.
func (g *workflowGraph) readySet(satisfied map[string]bool, visited map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if visited[id] {
			continue
		}
		ok := true
		for _, dep := range g.nodes[id] {
			if !satisfied[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
