package graph

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// CheckDependency validates adding the edge taskID -> depID. depID must
// be a live task; callers that accept archived dependencies check the
// archive before calling.
func (g *Graph) CheckDependency(taskID, depID string) error {
	if !g.Has(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if taskID == depID {
		return fmt.Errorf("%w: %s", ErrSelfDependency, taskID)
	}
	if !g.Has(depID) {
		return fmt.Errorf("%w: %s", ErrDependencyNotFound, depID)
	}
	if path := g.dependencyPath(depID, taskID); path != nil {
		return &CycleError{Path: append([]string{taskID}, path...)}
	}
	return nil
}

// dependencyPath returns a DependsOn path from -> ... -> to, or nil.
func (g *Graph) dependencyPath(from, to string) []string {
	prev := map[string]string{from: ""}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			var path []string
			for n := cur; n != ""; n = prev[n] {
				path = append([]string{n}, path...)
			}
			return path
		}
		t, ok := g.tasks[cur]
		if !ok {
			continue
		}
		for _, d := range t.DependsOn {
			if _, seen := prev[d]; seen {
				continue
			}
			prev[d] = cur
			stack = append(stack, d)
		}
	}
	return nil
}

// DependsTransitively reports whether from reaches to through DependsOn
// edges over the live graph.
func (g *Graph) DependsTransitively(from, to string) bool {
	if from == to {
		return false
	}
	return g.dependencyPath(from, to) != nil
}

// TopoOrder returns live task ids with every dependency ahead of its
// dependents. Dependencies on tasks outside the collection are ignored.
// A cycle yields an error wrapping ErrDependencyCycle.
func (g *Graph) TopoOrder() ([]string, error) {
	edges := make([]toposort.Edge, 0, len(g.order))
	for _, id := range g.order {
		live := 0
		for _, d := range g.tasks[id].DependsOn {
			if g.Has(d) {
				edges = append(edges, toposort.Edge{d, id})
				live++
			}
		}
		if live == 0 {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, err)
	}
	order := make([]string, 0, len(g.order))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}

// CheckDependencies verifies the live dependency graph is a DAG.
func (g *Graph) CheckDependencies() error {
	_, err := g.TopoOrder()
	return err
}
