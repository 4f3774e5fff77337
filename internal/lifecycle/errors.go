package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStage      = errors.New("unknown stage")
	ErrStageNotInPipe    = errors.New("stage not configured in pipeline")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrNotSkippable      = errors.New("stage is not skippable")
	ErrPipelineClosed    = errors.New("pipeline closed")
	ErrGateNotSatisfied  = errors.New("gate not satisfied")
)

// GateError lists the prerequisites that kept a stage from starting.
type GateError struct {
	Stage   Stage
	Missing []Stage
}

func (e *GateError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = s.String()
	}
	return fmt.Sprintf("cannot start %s: prerequisites not completed or skipped: %s", e.Stage, strings.Join(names, ", "))
}

func (e *GateError) Is(target error) bool { return target == ErrGateNotSatisfied }

// TransitionError reports an action that is not allowed from the current status.
type TransitionError struct {
	Stage  Stage
	Action Action
	From   StageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s stage %s from %s", e.Action, e.Stage, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
