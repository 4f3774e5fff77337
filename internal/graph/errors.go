package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrParentNotFound       = errors.New("parent not found")
	ErrDependencyNotFound   = errors.New("dependency not found")
	ErrDepthExceeded        = errors.New("hierarchy depth exceeded")
	ErrSiblingLimitExceeded = errors.New("sibling limit exceeded")
	ErrInvalidParentType    = errors.New("invalid parent type")
	ErrCircularReference    = errors.New("circular parent reference")
	ErrSelfDependency       = errors.New("task cannot depend on itself")
	ErrDependencyCycle      = errors.New("dependency cycle")
)

// LimitError carries the bound that a placement would break.
type LimitError struct {
	Err      error
	ParentID string
	Limit    int
	Actual   int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v under %s: %d exceeds limit %d", e.Err, e.ParentID, e.Actual, e.Limit)
}

func (e *LimitError) Unwrap() error { return e.Err }

// CycleError names the dependency path that would close a loop.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDependencyCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrDependencyCycle }
