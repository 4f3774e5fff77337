package engine

import (
	"errors"
	"fmt"
	"strings"

	"waveline/internal/graph"
)

// Referential and structural failures come straight from the graph
// package; they are re-exported so callers need only this package.
var (
	ErrTaskNotFound       = graph.ErrTaskNotFound
	ErrParentNotFound     = graph.ErrParentNotFound
	ErrDependencyNotFound = graph.ErrDependencyNotFound
	ErrCircularReference  = graph.ErrCircularReference
	ErrDependencyCycle    = graph.ErrDependencyCycle
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidStatus    = errors.New("invalid task status transition")
	ErrHasChildren      = errors.New("task has live children")
	ErrNotResolved      = errors.New("task is not done or cancelled")
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already initialized")
	ErrInvalidRoot      = errors.New("pipeline root must be an epic or a top-level task")
	ErrVersionConflict  = errors.New("lifecycle record version conflict")
	ErrBlocked          = errors.New("task is blocked")
)

// BlockedError lists what keeps a task from completing.
type BlockedError struct {
	TaskID       string
	Dependencies []string
	Children     []string
}

func (e *BlockedError) Error() string {
	var parts []string
	if len(e.Dependencies) > 0 {
		parts = append(parts, "open dependencies: "+strings.Join(e.Dependencies, ", "))
	}
	if len(e.Children) > 0 {
		parts = append(parts, "open children: "+strings.Join(e.Children, ", "))
	}
	return fmt.Sprintf("cannot complete %s: %s", e.TaskID, strings.Join(parts, "; "))
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
