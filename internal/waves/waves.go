// Package waves groups open tasks into dependency-ordered waves that can
// be dispatched together, and answers which tasks are ready right now.
package waves

import (
	"errors"
	"fmt"
	"sort"

	"waveline/internal/domain"
	"waveline/internal/graph"
)

var ErrScopeNotFound = errors.New("scope root not found")

// Wave is a set of tasks whose in-scope dependencies all sit in earlier waves.
type Wave struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

// Plan is recomputed on every call and never stored.
type Plan struct {
	Scope string `json:"scope,omitempty"`
	Waves []Wave `json:"waves"`
	// Unresolvable lists tasks left unassigned when the iteration cap was
	// reached. It stays empty while the dependency graph is acyclic.
	Unresolvable []string `json:"unresolvable,omitempty"`
}

// Len is the number of tasks placed in waves.
func (p Plan) Len() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.TaskIDs)
	}
	return n
}

// WaveOf returns the wave index of id, or -1.
func (p Plan) WaveOf(id string) int {
	for _, w := range p.Waves {
		for _, t := range w.TaskIDs {
			if t == id {
				return w.Index
			}
		}
	}
	return -1
}

// scope returns the ids under rootID, or every id when rootID is empty.
func scope(g *graph.Graph, rootID string) ([]string, error) {
	if rootID == "" {
		return g.IDs(), nil
	}
	if !g.Has(rootID) {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, rootID)
	}
	return g.Descendants(rootID), nil
}

// Compute assigns every open task below scopeRootID to a wave. Resolved
// tasks and tasks outside the scope count as already satisfied.
func Compute(scopeRootID string, tasks []domain.Task) (Plan, error) {
	g := graph.New(tasks)
	ids, err := scope(g, scopeRootID)
	if err != nil {
		return Plan{}, err
	}
	rank := declaredOrder(tasks)

	open := make(map[string]domain.Task, len(ids))
	var pending []string
	for _, id := range ids {
		t, _ := g.Task(id)
		if t.Status.Resolved() {
			continue
		}
		open[id] = t
		pending = append(pending, id)
	}
	sort.SliceStable(pending, func(i, j int) bool { return rank[pending[i]] < rank[pending[j]] })

	wave := make(map[string]int, len(pending))
	// Each pass fixes at least one task when the graph is acyclic, so
	// len(pending) passes always suffice.
	for pass := 0; pass <= len(pending) && len(wave) < len(pending); pass++ {
		progressed := false
		for _, id := range pending {
			if _, done := wave[id]; done {
				continue
			}
			w, ready := 0, true
			for _, d := range open[id].DependsOn {
				if _, inScope := open[d]; !inScope {
					continue
				}
				dw, ok := wave[d]
				if !ok {
					ready = false
					break
				}
				if dw+1 > w {
					w = dw + 1
				}
			}
			if ready {
				wave[id] = w
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	plan := Plan{Scope: scopeRootID, Waves: []Wave{}}
	groups := map[int][]string{}
	maxWave := -1
	for _, id := range pending {
		w, ok := wave[id]
		if !ok {
			plan.Unresolvable = append(plan.Unresolvable, id)
			continue
		}
		groups[w] = append(groups[w], id)
		if w > maxWave {
			maxWave = w
		}
	}
	for i := 0; i <= maxWave; i++ {
		members := groups[i]
		sortByPriority(members, open, rank)
		plan.Waves = append(plan.Waves, Wave{Index: i, TaskIDs: members})
	}
	return plan, nil
}

// ReadyToSpawn returns pending tasks below scopeRootID whose dependencies
// are all resolved. A dependency missing from tasks was archived, and only
// resolved tasks can be archived, so it counts as resolved.
func ReadyToSpawn(scopeRootID string, tasks []domain.Task) ([]domain.Task, error) {
	g := graph.New(tasks)
	ids, err := scope(g, scopeRootID)
	if err != nil {
		return nil, err
	}
	rank := declaredOrder(tasks)
	byID := make(map[string]domain.Task, len(ids))
	var ready []string
	for _, id := range ids {
		t, _ := g.Task(id)
		if t.Status != domain.StatusPending {
			continue
		}
		ok := true
		for _, d := range t.DependsOn {
			if dep, live := g.Task(d); live && !dep.Status.Resolved() {
				ok = false
				break
			}
		}
		if ok {
			byID[id] = t
			ready = append(ready, id)
		}
	}
	sortByPriority(ready, byID, rank)
	out := make([]domain.Task, len(ready))
	for i, id := range ready {
		out[i] = byID[id]
	}
	return out, nil
}

// Unblocked returns the open tasks that list completedID as a dependency
// and have no other unresolved dependency left.
func Unblocked(completedID string, tasks []domain.Task) []domain.TaskRef {
	g := graph.New(tasks)
	var out []domain.TaskRef
	for _, id := range g.Dependents(completedID) {
		t, _ := g.Task(id)
		if t.Status.Resolved() {
			continue
		}
		free := true
		for _, d := range t.DependsOn {
			if d == completedID {
				continue
			}
			if dep, live := g.Task(d); live && !dep.Status.Resolved() {
				free = false
				break
			}
		}
		if free {
			out = append(out, domain.TaskRef{ID: t.ID, Title: t.Title})
		}
	}
	return out
}

func declaredOrder(tasks []domain.Task) map[string]int {
	rank := make(map[string]int, len(tasks))
	for i, t := range tasks {
		rank[t.ID] = i
	}
	return rank
}

func sortByPriority(ids []string, tasks map[string]domain.Task, order map[string]int) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := tasks[ids[i]].Priority.Rank(), tasks[ids[j]].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return order[ids[i]] < order[ids[j]]
	})
}
