package lifecycle_test

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"waveline/internal/lifecycle"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, defs []lifecycle.StageDef) *lifecycle.Machine {
	t.Helper()
	p, err := lifecycle.NewPipeline(defs)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	m := lifecycle.NewMachine(p)
	m.Now = func() time.Time { return fixedNow }
	return m
}

func threeStage() []lifecycle.StageDef {
	return []lifecycle.StageDef{
		{Stage: lifecycle.StageResearch, Gated: true},
		{Stage: lifecycle.StageConsensus, Gated: true, Skippable: true},
		{Stage: lifecycle.StageSpec, Gated: true, Prerequisites: []lifecycle.Stage{lifecycle.StageResearch, lifecycle.StageConsensus}},
	}
}

func apply(t *testing.T, m *lifecycle.Machine, r *lifecycle.Record, s lifecycle.Stage, a lifecycle.Action) {
	t.Helper()
	if _, err := m.Apply(r, lifecycle.Transition{Stage: s, Action: a, Actor: "tester"}); err != nil {
		t.Fatalf("%s %s: %v", a, s, err)
	}
}

func TestStartBlockedByMissingPrerequisite(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionComplete)

	_, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageSpec, Action: lifecycle.ActionStart, Actor: "tester"})
	var gate *lifecycle.GateError
	if !errors.As(err, &gate) {
		t.Fatalf("expected gate error, got %v", err)
	}
	if len(gate.Missing) != 1 || gate.Missing[0] != lifecycle.StageConsensus {
		t.Fatalf("expected consensus missing, got %v", gate.Missing)
	}
	if !errors.Is(err, lifecycle.ErrGateNotSatisfied) {
		t.Fatalf("gate error should match ErrGateNotSatisfied")
	}
	if r.State(lifecycle.StageSpec).Status != lifecycle.StatusNotStarted {
		t.Fatalf("record mutated on rejected start")
	}
	if r.Version != 2 {
		t.Fatalf("expected version 2, got %d", r.Version)
	}
}

func TestSkipSatisfiesGate(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionComplete)
	if _, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageConsensus, Action: lifecycle.ActionSkip, Reason: "solo project"}); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := r.State(lifecycle.StageConsensus).SkippedReason; got != "solo project" {
		t.Fatalf("skip reason not recorded: %q", got)
	}
	apply(t, m, r, lifecycle.StageSpec, lifecycle.ActionStart)
}

func TestSkipRequiresSkippable(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	_, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: lifecycle.ActionSkip, Reason: "no"})
	if !errors.Is(err, lifecycle.ErrNotSkippable) {
		t.Fatalf("expected ErrNotSkippable, got %v", err)
	}
}

func TestCompleteRequiresInProgressWhenGated(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	_, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: lifecycle.ActionComplete})
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestNonGatedStageCompletesDirectly(t *testing.T) {
	m := newMachine(t, []lifecycle.StageDef{
		{Stage: lifecycle.StageImplement, Gated: true},
		{Stage: lifecycle.StageVerify, Prerequisites: []lifecycle.Stage{lifecycle.StageImplement}},
	})
	r := m.NewRecord("T0001")
	_, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageVerify, Action: lifecycle.ActionComplete})
	if !errors.Is(err, lifecycle.ErrGateNotSatisfied) {
		t.Fatalf("direct completion must still honour prerequisites, got %v", err)
	}
	apply(t, m, r, lifecycle.StageImplement, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageImplement, lifecycle.ActionComplete)
	apply(t, m, r, lifecycle.StageVerify, lifecycle.ActionComplete)
	if r.State(lifecycle.StageVerify).Status != lifecycle.StatusCompleted {
		t.Fatalf("verify should be completed")
	}
}

func TestFailIsTerminalUntilReset(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	if _, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: lifecycle.ActionFail, Reason: "sources offline"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	for _, a := range []lifecycle.Action{lifecycle.ActionStart, lifecycle.ActionComplete, lifecycle.ActionFail} {
		if _, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: a}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
			t.Fatalf("%s from failed: expected invalid transition, got %v", a, err)
		}
	}
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionReset)
	if st := r.State(lifecycle.StageResearch); st.Status != lifecycle.StatusNotStarted || st.FailedReason != "" {
		t.Fatalf("reset should clear failure, got %+v", st)
	}
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
}

func TestBlockAndResume(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	if _, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: lifecycle.ActionBlock, Reason: "waiting on access"}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if got := r.State(lifecycle.StageResearch).BlockedReason; got != "waiting on access" {
		t.Fatalf("blocked reason %q", got)
	}
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	if got := r.State(lifecycle.StageResearch); got.Status != lifecycle.StatusInProgress || got.BlockedReason != "" {
		t.Fatalf("unexpected state after start: %+v", got)
	}
}

func TestPipelineClosedAfterTerminalStage(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionComplete)
	apply(t, m, r, lifecycle.StageConsensus, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageConsensus, lifecycle.ActionComplete)
	apply(t, m, r, lifecycle.StageSpec, lifecycle.ActionStart)
	apply(t, m, r, lifecycle.StageSpec, lifecycle.ActionComplete)
	if !r.Closed(m.Pipeline) {
		t.Fatalf("expected closed pipeline")
	}
	_, err := m.Apply(r, lifecycle.Transition{Stage: lifecycle.StageResearch, Action: lifecycle.ActionBlock})
	if !errors.Is(err, lifecycle.ErrPipelineClosed) {
		t.Fatalf("expected ErrPipelineClosed, got %v", err)
	}
}

func TestTransitionLogIsAppendOnly(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	prev := r.Clone()
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionComplete)
	if err := lifecycle.AppendOnly(prev, r); err != nil {
		t.Fatalf("append-only violated: %v", err)
	}
	last := r.TransitionLog[len(r.TransitionLog)-1]
	if last.Seq != 2 || last.From != lifecycle.StatusInProgress || last.To != lifecycle.StatusCompleted || last.Actor != "tester" {
		t.Fatalf("unexpected entry %+v", last)
	}
	tampered := r.Clone()
	tampered.TransitionLog[0].Actor = "someone-else"
	if err := lifecycle.AppendOnly(prev, tampered); err == nil {
		t.Fatalf("expected rewrite to be detected")
	}
}

func TestRecordsDocumentRoundTrip(t *testing.T) {
	m := newMachine(t, threeStage())
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	doc := &lifecycle.Records{}
	doc.Put(r)
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw struct {
		Pipelines map[string]struct {
			Stages map[string]json.RawMessage `json:"stages"`
		} `json:"pipelines"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("raw unmarshal: %v", err)
	}
	stages := raw.Pipelines["T0001"].Stages
	if _, ok := stages["research"]; !ok {
		t.Fatalf("stages should be keyed by name, got %v", stages)
	}
	var back lifecycle.Records
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := back.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if back.Pipelines["T0001"].State(lifecycle.StageResearch).Status != lifecycle.StatusInProgress {
		t.Fatalf("status lost in round trip")
	}
}

func TestNewPipelineRejectsForwardPrerequisite(t *testing.T) {
	_, err := lifecycle.NewPipeline([]lifecycle.StageDef{
		{Stage: lifecycle.StageSpec, Prerequisites: []lifecycle.Stage{lifecycle.StageResearch}},
		{Stage: lifecycle.StageResearch},
	})
	if err == nil {
		t.Fatalf("expected error for prerequisite listed later")
	}
	if _, err := lifecycle.NewPipeline([]lifecycle.StageDef{{Stage: lifecycle.StageSpec}, {Stage: lifecycle.StageSpec}}); err == nil {
		t.Fatalf("expected duplicate stage error")
	}
}

func TestDefaultPipelineShape(t *testing.T) {
	p := lifecycle.DefaultPipeline()
	if got := len(p.Stages()); got != 9 {
		t.Fatalf("expected 9 stages, got %d", got)
	}
	if p.Terminal() != lifecycle.StageRelease {
		t.Fatalf("terminal should be release, got %s", p.Terminal())
	}
	pre := p.Prerequisites(lifecycle.StageTest)
	if len(pre) != 2 || pre[1] != lifecycle.StageVerify {
		t.Fatalf("test should require verify, got %v", pre)
	}
}

func TestOverdueIsAdvisory(t *testing.T) {
	m := newMachine(t, []lifecycle.StageDef{{Stage: lifecycle.StageResearch, Gated: true, Timeout: time.Hour}})
	r := m.NewRecord("T0001")
	apply(t, m, r, lifecycle.StageResearch, lifecycle.ActionStart)
	if got := m.Overdue(r, fixedNow.Add(30*time.Minute)); len(got) != 0 {
		t.Fatalf("not overdue yet, got %v", got)
	}
	got := m.Overdue(r, fixedNow.Add(3*time.Hour))
	if len(got) != 1 || got[0].Overdue != 2*time.Hour {
		t.Fatalf("expected 2h overdue, got %+v", got)
	}
	if r.State(lifecycle.StageResearch).Status != lifecycle.StatusInProgress {
		t.Fatalf("overdue check must not change state")
	}
}

// Start succeeds iff every prerequisite is completed or skipped, over
// random prerequisite graphs and random status assignments.
func TestGateSoundnessRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	all := lifecycle.AllStages()
	statuses := []lifecycle.StageStatus{
		lifecycle.StatusNotStarted, lifecycle.StatusInProgress, lifecycle.StatusCompleted,
		lifecycle.StatusSkipped, lifecycle.StatusBlocked, lifecycle.StatusFailed,
	}
	for iter := 0; iter < 500; iter++ {
		n := 2 + rng.Intn(len(all)-1)
		order := rng.Perm(len(all))[:n]
		defs := make([]lifecycle.StageDef, n)
		for i, idx := range order {
			d := lifecycle.StageDef{Stage: all[idx], Gated: true}
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					d.Prerequisites = append(d.Prerequisites, defs[j].Stage)
				}
			}
			defs[i] = d
		}
		p, err := lifecycle.NewPipeline(defs)
		if err != nil {
			t.Fatalf("iter %d: pipeline: %v", iter, err)
		}
		m := lifecycle.NewMachine(p)
		r := m.NewRecord("T0001")
		for _, d := range defs[:n-1] {
			r.Stages[d.Stage] = lifecycle.StageState{Status: statuses[rng.Intn(len(statuses))]}
		}
		target := defs[n-1].Stage
		r.Stages[target] = lifecycle.StageState{Status: lifecycle.StatusNotStarted}

		want := true
		for _, pre := range p.Prerequisites(target) {
			st := r.State(pre).Status
			if st != lifecycle.StatusCompleted && st != lifecycle.StatusSkipped {
				want = false
			}
		}
		_, err = m.Apply(r, lifecycle.Transition{Stage: target, Action: lifecycle.ActionStart})
		if got := err == nil; got != want {
			t.Fatalf("iter %d: start %s with prerequisites %v: got success=%v want %v (err=%v)", iter, target, p.Prerequisites(target), got, want, err)
		}
		if err != nil && !errors.Is(err, lifecycle.ErrGateNotSatisfied) {
			t.Fatalf("iter %d: unexpected error kind %v", iter, err)
		}
	}
}

func TestParseStage(t *testing.T) {
	cases := map[string]lifecycle.Stage{
		"research": lifecycle.StageResearch,
		"Release":  lifecycle.StageRelease,
		" spec ":   lifecycle.StageSpec,
	}
	for in, want := range cases {
		got, err := lifecycle.ParseStage(in)
		if err != nil || got != want {
			t.Fatalf("ParseStage(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := lifecycle.ParseStage("intake"); !errors.Is(err, lifecycle.ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}
