// Package exitcode maps engine errors to stable process exit codes and
// to the taxonomy the HTTP layer turns into statuses. Classification
// uses errors.Is and errors.As only.
package exitcode

import (
	"context"
	"errors"
	"io/fs"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/graph"
	"waveline/internal/lifecycle"
	"waveline/internal/repo"
	"waveline/internal/store"
	"waveline/internal/waves"
)

type Code int

const (
	OK                  Code = 0
	General             Code = 1
	InvalidInput        Code = 2
	IO                  Code = 3
	NotFound            Code = 4
	DependencyNotFound  Code = 5
	Validation          Code = 6
	LockTimeout         Code = 7
	Config              Code = 8
	ParentNotFound      Code = 10
	DepthExceeded       Code = 11
	SiblingLimit        Code = 12
	InvalidParentType   Code = 13
	CircularReference   Code = 14
	DependencyCycle     Code = 15
	HasChildren         Code = 16
	Corrupt             Code = 17
	Blocked             Code = 18
	InvalidStatus       Code = 19
	GateNotSatisfied    Code = 80
	InvalidTransition   Code = 81
	PipelineClosed      Code = 82
	NotSkippable        Code = 83
	VersionConflict     Code = 84
	PipelineNotFound    Code = 85
	UnknownStage        Code = 86
	PipelineExists      Code = 87
	InvalidPipelineRoot Code = 88
)

// Taxonomy groups codes by what the caller can do about them.
type Taxonomy string

const (
	TaxonomyNone        Taxonomy = ""
	TaxonomyStructural  Taxonomy = "structural"
	TaxonomyReferential Taxonomy = "referential"
	TaxonomyConcurrency Taxonomy = "concurrency"
	TaxonomyGate        Taxonomy = "gate"
	TaxonomyCorruption  Taxonomy = "corruption"
	TaxonomyInput       Taxonomy = "input"
	TaxonomyInternal    Taxonomy = "internal"
)

type rule struct {
	target   error
	code     Code
	taxonomy Taxonomy
	name     string
}

// Order matters: more specific errors come first.
var rules = []rule{
	{config.ErrInvalid, Config, TaxonomyInput, "config_invalid"},
	{store.ErrLockTimeout, LockTimeout, TaxonomyConcurrency, "lock_timeout"},
	{context.DeadlineExceeded, LockTimeout, TaxonomyConcurrency, "lock_timeout"},
	{engine.ErrVersionConflict, VersionConflict, TaxonomyConcurrency, "version_conflict"},
	{store.ErrCorrupt, Corrupt, TaxonomyCorruption, "corrupt_document"},
	{domain.ErrOverlap, Corrupt, TaxonomyCorruption, "corrupt_document"},
	// A transform produced a document that fails validation. The file on
	// disk is untouched, so this is not corruption.
	{store.ErrInvalid, Validation, TaxonomyInternal, "schema_validation"},
	{store.ErrUnknownDocument, General, TaxonomyInternal, "unknown_document"},

	{graph.ErrParentNotFound, ParentNotFound, TaxonomyReferential, "parent_not_found"},
	{graph.ErrDependencyNotFound, DependencyNotFound, TaxonomyReferential, "dependency_not_found"},
	{graph.ErrTaskNotFound, NotFound, TaxonomyReferential, "task_not_found"},
	{waves.ErrScopeNotFound, NotFound, TaxonomyReferential, "scope_not_found"},
	{engine.ErrPipelineNotFound, PipelineNotFound, TaxonomyReferential, "pipeline_not_found"},
	{repo.ErrNotFound, NotFound, TaxonomyReferential, "not_found"},
	{store.ErrNotFound, NotFound, TaxonomyReferential, "not_found"},

	{graph.ErrDepthExceeded, DepthExceeded, TaxonomyStructural, "depth_exceeded"},
	{graph.ErrSiblingLimitExceeded, SiblingLimit, TaxonomyStructural, "sibling_limit_exceeded"},
	{graph.ErrInvalidParentType, InvalidParentType, TaxonomyStructural, "invalid_parent_type"},
	{graph.ErrCircularReference, CircularReference, TaxonomyStructural, "circular_reference"},
	{graph.ErrSelfDependency, DependencyCycle, TaxonomyStructural, "self_dependency"},
	{graph.ErrDependencyCycle, DependencyCycle, TaxonomyStructural, "dependency_cycle"},
	{engine.ErrHasChildren, HasChildren, TaxonomyStructural, "has_children"},
	{engine.ErrNotResolved, InvalidStatus, TaxonomyStructural, "not_resolved"},
	{engine.ErrInvalidStatus, InvalidStatus, TaxonomyStructural, "invalid_status"},
	{engine.ErrBlocked, Blocked, TaxonomyGate, "blocked"},
	{engine.ErrPipelineExists, PipelineExists, TaxonomyStructural, "pipeline_exists"},
	{engine.ErrInvalidRoot, InvalidPipelineRoot, TaxonomyStructural, "invalid_pipeline_root"},

	{lifecycle.ErrGateNotSatisfied, GateNotSatisfied, TaxonomyGate, "gate_not_satisfied"},
	{lifecycle.ErrInvalidTransition, InvalidTransition, TaxonomyGate, "invalid_transition"},
	{lifecycle.ErrPipelineClosed, PipelineClosed, TaxonomyGate, "pipeline_closed"},
	{lifecycle.ErrNotSkippable, NotSkippable, TaxonomyGate, "stage_not_skippable"},
	{lifecycle.ErrStageNotInPipe, UnknownStage, TaxonomyInput, "stage_not_configured"},
	{lifecycle.ErrUnknownStage, UnknownStage, TaxonomyInput, "unknown_stage"},

	{engine.ErrInvalidInput, InvalidInput, TaxonomyInput, "invalid_input"},
	{fs.ErrPermission, IO, TaxonomyInternal, "io_error"},
}

// Classify returns the exit code and taxonomy for err. A nil error is OK.
func Classify(err error) (Code, Taxonomy) {
	c, t, _ := lookup(err)
	return c, t
}

// Name returns a snake_case identifier for err, used as the API error code.
func Name(err error) string {
	_, _, n := lookup(err)
	return n
}

func lookup(err error) (Code, Taxonomy, string) {
	if err == nil {
		return OK, TaxonomyNone, ""
	}
	for _, r := range rules {
		if errors.Is(err, r.target) {
			return r.code, r.taxonomy, r.name
		}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return IO, TaxonomyInternal, "io_error"
	}
	return General, TaxonomyInternal, "internal_error"
}

// Details extracts structured payload from typed errors, for JSON output.
func Details(err error) map[string]any {
	var gate *lifecycle.GateError
	if errors.As(err, &gate) {
		missing := make([]string, len(gate.Missing))
		for i, s := range gate.Missing {
			missing[i] = s.String()
		}
		return map[string]any{"stage": gate.Stage.String(), "missing": missing}
	}
	var tr *lifecycle.TransitionError
	if errors.As(err, &tr) {
		return map[string]any{"stage": tr.Stage.String(), "action": tr.Action, "from": tr.From}
	}
	var cyc *graph.CycleError
	if errors.As(err, &cyc) {
		return map[string]any{"path": cyc.Path}
	}
	var lim *graph.LimitError
	if errors.As(err, &lim) {
		return map[string]any{"parent_id": lim.ParentID, "limit": lim.Limit, "actual": lim.Actual}
	}
	var blocked *engine.BlockedError
	if errors.As(err, &blocked) {
		return map[string]any{"task_id": blocked.TaskID, "dependencies": blocked.Dependencies, "children": blocked.Children}
	}
	var corrupt *store.CorruptError
	if errors.As(err, &corrupt) {
		return map[string]any{"document": string(corrupt.Doc), "path": corrupt.Path}
	}
	return nil
}
