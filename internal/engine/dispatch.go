package engine

import (
	"context"

	"waveline/internal/domain"
	"waveline/internal/waves"
)

// GetWavePlan partitions the open tasks under scopeRootID into waves. An
// empty scope plans the whole collection.
func (e Engine) GetWavePlan(ctx context.Context, scopeRootID string) (waves.Plan, error) {
	col, err := e.readTasks()
	if err != nil {
		return waves.Plan{}, err
	}
	plan, err := waves.Compute(scopeRootID, col.Tasks)
	if err != nil {
		return waves.Plan{}, err
	}
	if len(plan.Unresolvable) > 0 {
		e.log().Warn("wave plan has unresolvable tasks", "scope", scopeRootID, "tasks", plan.Unresolvable)
	}
	return plan, nil
}

// GetReadyToDispatch returns pending tasks in scope whose dependencies are
// all resolved.
func (e Engine) GetReadyToDispatch(ctx context.Context, scopeRootID string) ([]domain.Task, error) {
	col, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	return waves.ReadyToSpawn(scopeRootID, col.Tasks)
}

// CheckParallelSafe reports whether ids may run at the same time, i.e.
// no member depends on another, directly or transitively.
func (e Engine) CheckParallelSafe(ctx context.Context, ids []string) (waves.Result, error) {
	if len(ids) == 0 {
		return waves.Result{}, invalidInput("at least one task id is required")
	}
	col, err := e.readTasks()
	if err != nil {
		return waves.Result{}, err
	}
	return waves.ParallelSafe(ids, col.Tasks)
}
