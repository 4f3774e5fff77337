// Package graph derives the parent tree and dependency edges from a task
// collection and validates proposed changes against them.
//
// Every walk carries a visited set, so a collection that is already
// inconsistent on disk (a parent loop, say) still yields a terminating
// answer rather than hanging the caller.
package graph

import (
	"waveline/internal/domain"
)

// Limits bounds the parent tree.
type Limits struct {
	// MaxDepth counts levels: with 3, tasks sit at depth 0, 1 or 2.
	MaxDepth int
	// MaxSiblings caps direct children per parent. 0 means unlimited.
	MaxSiblings int
}

// DefaultLimits matches the built-in configuration.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 3, MaxSiblings: 20}
}

// Graph is a read-only view over a snapshot of tasks.
type Graph struct {
	tasks    map[string]*domain.Task
	order    []string
	children map[string][]string
	roots    []string
}

// New indexes tasks. The slice is not retained.
func New(tasks []domain.Task) *Graph {
	g := &Graph{
		tasks:    make(map[string]*domain.Task, len(tasks)),
		order:    make([]string, 0, len(tasks)),
		children: make(map[string][]string),
	}
	for i := range tasks {
		t := tasks[i]
		g.tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}
	for _, id := range g.order {
		p := g.tasks[id].ParentID
		if p == "" {
			g.roots = append(g.roots, id)
			continue
		}
		g.children[p] = append(g.children[p], id)
	}
	return g
}

// Task returns the task with id.
func (g *Graph) Task(id string) (domain.Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

func (g *Graph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// IDs returns every task id in collection order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Roots returns tasks without a parent in collection order.
func (g *Graph) Roots() []string {
	return append([]string(nil), g.roots...)
}

// Children returns the direct children of id in collection order.
func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// Descendants returns every task below id, breadth first. id itself is
// not included.
func (g *Graph) Descendants(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// ParentChain returns the ancestors of id, nearest first.
func (g *Graph) ParentChain(id string) []string {
	var chain []string
	seen := map[string]bool{id: true}
	cur, ok := g.tasks[id]
	for ok && cur.ParentID != "" && !seen[cur.ParentID] {
		seen[cur.ParentID] = true
		chain = append(chain, cur.ParentID)
		cur, ok = g.tasks[cur.ParentID]
	}
	return chain
}

// Depth is the number of ancestors of id. Roots have depth 0.
func (g *Graph) Depth(id string) int {
	return len(g.ParentChain(id))
}

// Height is the number of levels below id; a leaf has height 0.
func (g *Graph) Height(id string) int {
	height := 0
	seen := map[string]bool{id: true}
	level := []string{id}
	for {
		var next []string
		for _, cur := range level {
			for _, c := range g.children[cur] {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		if len(next) == 0 {
			return height
		}
		height++
		level = next
	}
}

// Siblings returns the other children of id's parent. For a root this is
// every other root.
func (g *Graph) Siblings(id string) []string {
	t, ok := g.tasks[id]
	if !ok {
		return nil
	}
	pool := g.roots
	if t.ParentID != "" {
		pool = g.children[t.ParentID]
	}
	out := make([]string, 0, len(pool))
	for _, s := range pool {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}

// Dependents returns the live tasks that list id in DependsOn.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, tid := range g.order {
		for _, d := range g.tasks[tid].DependsOn {
			if d == id {
				out = append(out, tid)
				break
			}
		}
	}
	return out
}
