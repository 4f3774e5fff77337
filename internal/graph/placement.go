package graph

import (
	"fmt"

	"waveline/internal/domain"
)

// ValidatePlacement checks that a new task can be created under parentID.
// An empty parentID places the task at the root, which is always allowed.
func (g *Graph) ValidatePlacement(parentID string, limits Limits) error {
	if parentID == "" {
		return nil
	}
	return g.checkParent(parentID, "", 0, limits)
}

// WouldCreateCycle reports whether making newParentID the parent of
// taskID would close a loop in the parent tree.
func (g *Graph) WouldCreateCycle(taskID, newParentID string) bool {
	if newParentID == taskID {
		return true
	}
	for _, d := range g.Descendants(taskID) {
		if d == newParentID {
			return true
		}
	}
	return false
}

// ValidateMove checks reparenting taskID under newParentID. The whole
// subtree moves with the task, so its height counts against MaxDepth.
func (g *Graph) ValidateMove(taskID, newParentID string, limits Limits) error {
	if !g.Has(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if newParentID == "" {
		return nil
	}
	if !g.Has(newParentID) {
		return fmt.Errorf("%w: %s", ErrParentNotFound, newParentID)
	}
	if g.WouldCreateCycle(taskID, newParentID) {
		return fmt.Errorf("%w: %s is %s or one of its descendants", ErrCircularReference, newParentID, taskID)
	}
	return g.checkParent(newParentID, taskID, g.Height(taskID), limits)
}

// checkParent validates parentID as the new parent of a subtree of the
// given height. moving is excluded from the sibling count when it is
// already a child of parentID.
func (g *Graph) checkParent(parentID, moving string, height int, limits Limits) error {
	parent, ok := g.tasks[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	if parent.Type == domain.TypeSubtask {
		return fmt.Errorf("%w: %s is a subtask and cannot have children", ErrInvalidParentType, parentID)
	}
	if limits.MaxDepth > 0 {
		deepest := g.Depth(parentID) + 1 + height
		if deepest > limits.MaxDepth-1 {
			return &LimitError{Err: ErrDepthExceeded, ParentID: parentID, Limit: limits.MaxDepth, Actual: deepest + 1}
		}
	}
	if limits.MaxSiblings > 0 {
		n := 0
		for _, c := range g.children[parentID] {
			if c != moving {
				n++
			}
		}
		if n+1 > limits.MaxSiblings {
			return &LimitError{Err: ErrSiblingLimitExceeded, ParentID: parentID, Limit: limits.MaxSiblings, Actual: n + 1}
		}
	}
	return nil
}

// CheckBounds verifies depth and fan-out over the whole collection.
func (g *Graph) CheckBounds(limits Limits) error {
	for _, id := range g.order {
		if limits.MaxDepth > 0 {
			if d := g.Depth(id); d > limits.MaxDepth-1 {
				return &LimitError{Err: ErrDepthExceeded, ParentID: g.tasks[id].ParentID, Limit: limits.MaxDepth, Actual: d + 1}
			}
		}
		if limits.MaxSiblings > 0 {
			if n := len(g.children[id]); n > limits.MaxSiblings {
				return &LimitError{Err: ErrSiblingLimitExceeded, ParentID: id, Limit: limits.MaxSiblings, Actual: n}
			}
		}
	}
	return nil
}
