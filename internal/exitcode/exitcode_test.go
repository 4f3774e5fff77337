package exitcode_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"waveline/internal/config"
	"waveline/internal/engine"
	"waveline/internal/exitcode"
	"waveline/internal/graph"
	"waveline/internal/lifecycle"
	"waveline/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code exitcode.Code
		tax  exitcode.Taxonomy
	}{
		{"nil", nil, exitcode.OK, exitcode.TaxonomyNone},
		{"config", fmt.Errorf("load: %w", config.ErrInvalid), exitcode.Config, exitcode.TaxonomyInput},
		{"lock", fmt.Errorf("tasks: %w", store.ErrLockTimeout), exitcode.LockTimeout, exitcode.TaxonomyConcurrency},
		{"corrupt", &store.CorruptError{Doc: store.DocTasks, Path: "x", Err: errors.New("eof")}, exitcode.Corrupt, exitcode.TaxonomyCorruption},
		{"invalid write", &store.ValidationError{Doc: store.DocTasks, Err: errors.New("duplicate id")}, exitcode.Validation, exitcode.TaxonomyInternal},
		{"parent", fmt.Errorf("%w: T0009", graph.ErrParentNotFound), exitcode.ParentNotFound, exitcode.TaxonomyReferential},
		{"depth", &graph.LimitError{Err: graph.ErrDepthExceeded, ParentID: "T0001", Limit: 3, Actual: 4}, exitcode.DepthExceeded, exitcode.TaxonomyStructural},
		{"cycle", &graph.CycleError{Path: []string{"T0001", "T0002", "T0001"}}, exitcode.DependencyCycle, exitcode.TaxonomyStructural},
		{"circular", fmt.Errorf("%w: x", engine.ErrCircularReference), exitcode.CircularReference, exitcode.TaxonomyStructural},
		{"gate", &lifecycle.GateError{Stage: lifecycle.StageSpec, Missing: []lifecycle.Stage{lifecycle.StageConsensus}}, exitcode.GateNotSatisfied, exitcode.TaxonomyGate},
		{"transition", &lifecycle.TransitionError{Stage: lifecycle.StageSpec, Action: lifecycle.ActionFail, From: lifecycle.StatusNotStarted}, exitcode.InvalidTransition, exitcode.TaxonomyGate},
		{"blocked", &engine.BlockedError{TaskID: "T0001", Dependencies: []string{"T0002"}}, exitcode.Blocked, exitcode.TaxonomyGate},
		{"version", fmt.Errorf("%w: x", engine.ErrVersionConflict), exitcode.VersionConflict, exitcode.TaxonomyConcurrency},
		{"input", fmt.Errorf("%w: title", engine.ErrInvalidInput), exitcode.InvalidInput, exitcode.TaxonomyInput},
		{"io", &os.PathError{Op: "open", Path: "/x", Err: errors.New("boom")}, exitcode.IO, exitcode.TaxonomyInternal},
		{"unknown", errors.New("something else"), exitcode.General, exitcode.TaxonomyInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, tax := exitcode.Classify(tc.err)
			if code != tc.code || tax != tc.tax {
				t.Fatalf("Classify = (%d, %q), want (%d, %q)", code, tax, tc.code, tc.tax)
			}
		})
	}
}

func TestDetailsForGate(t *testing.T) {
	err := fmt.Errorf("start: %w", &lifecycle.GateError{Stage: lifecycle.StageSpec, Missing: []lifecycle.Stage{lifecycle.StageConsensus}})
	d := exitcode.Details(err)
	missing, _ := d["missing"].([]string)
	if len(missing) != 1 || missing[0] != "consensus" {
		t.Fatalf("details = %v", d)
	}
	if exitcode.Name(err) != "gate_not_satisfied" {
		t.Fatalf("name = %q", exitcode.Name(err))
	}
	if exitcode.Details(errors.New("plain")) != nil {
		t.Fatalf("plain errors carry no details")
	}
}
