package waves

import (
	"fmt"

	"waveline/internal/domain"
	"waveline/internal/graph"
)

// Conflict says TaskID depends, directly or through other tasks, on DependsOn.
type Conflict struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

// Result is the answer of ParallelSafe.
type Result struct {
	Safe      bool       `json:"safe"`
	IDs       []string   `json:"ids"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

// ParallelSafe reports whether the candidate tasks can run at the same
// time. Dependencies are followed through the whole live graph, so a
// chain that leaves the candidate set and comes back still conflicts.
func ParallelSafe(ids []string, tasks []domain.Task) (Result, error) {
	g := graph.New(tasks)
	seen := make(map[string]bool, len(ids))
	var uniq []string
	for _, id := range ids {
		if !g.Has(id) {
			return Result{}, fmt.Errorf("%w: %s", graph.ErrTaskNotFound, id)
		}
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	res := Result{IDs: uniq}
	for _, a := range uniq {
		for _, b := range uniq {
			if a != b && g.DependsTransitively(a, b) {
				res.Conflicts = append(res.Conflicts, Conflict{TaskID: a, DependsOn: b})
			}
		}
	}
	res.Safe = len(res.Conflicts) == 0
	return res, nil
}
