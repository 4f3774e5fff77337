package lifecycle

import (
	"fmt"
	"time"
)

// Transition is a requested stage status change.
type Transition struct {
	Stage  Stage
	Action Action
	Actor  string
	Reason string
	Notes  string
}

// Machine applies transitions to records under a fixed Pipeline.
type Machine struct {
	Pipeline *Pipeline
	Now      func() time.Time
}

func NewMachine(p *Pipeline) *Machine {
	return &Machine{Pipeline: p, Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRecord returns a record with every configured stage not_started.
func (m *Machine) NewRecord(rootID string) *Record {
	now := m.now()
	r := &Record{
		RootID:        rootID,
		Stages:        make(map[Stage]StageState, len(m.Pipeline.defs)),
		TransitionLog: []TransitionEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, s := range m.Pipeline.Stages() {
		r.Stages[s] = StageState{Status: StatusNotStarted}
	}
	return r
}

// CheckGate returns a *GateError naming every prerequisite of s that is
// neither completed nor skipped.
func (m *Machine) CheckGate(r *Record, s Stage) error {
	var missing []Stage
	for _, pre := range m.Pipeline.Prerequisites(s) {
		if !r.State(pre).Status.SatisfiesGate() {
			missing = append(missing, pre)
		}
	}
	if len(missing) > 0 {
		return &GateError{Stage: s, Missing: missing}
	}
	return nil
}

// Apply validates t against r and, on success, updates the stage and
// appends one entry to the transition log. r is untouched on error.
func (m *Machine) Apply(r *Record, t Transition) (TransitionEntry, error) {
	def, ok := m.Pipeline.Def(t.Stage)
	if !ok {
		return TransitionEntry{}, fmt.Errorf("%w: %s", ErrStageNotInPipe, t.Stage)
	}
	if r.Closed(m.Pipeline) {
		return TransitionEntry{}, fmt.Errorf("%w: %s already completed for %s", ErrPipelineClosed, m.Pipeline.Terminal(), r.RootID)
	}
	cur := r.State(t.Stage)
	next := cur
	now := m.now()
	invalid := &TransitionError{Stage: t.Stage, Action: t.Action, From: cur.Status}

	switch t.Action {
	case ActionStart:
		if cur.Status != StatusNotStarted && cur.Status != StatusBlocked {
			return TransitionEntry{}, invalid
		}
		if err := m.CheckGate(r, t.Stage); err != nil {
			return TransitionEntry{}, err
		}
		next.Status = StatusInProgress
		next.StartedAt = &now
		next.BlockedReason = ""
	case ActionComplete:
		switch cur.Status {
		case StatusInProgress:
		case StatusNotStarted, StatusBlocked:
			if def.Gated {
				return TransitionEntry{}, invalid
			}
			if err := m.CheckGate(r, t.Stage); err != nil {
				return TransitionEntry{}, err
			}
			next.StartedAt = &now
			next.BlockedReason = ""
		default:
			return TransitionEntry{}, invalid
		}
		next.Status = StatusCompleted
		next.CompletedAt = &now
	case ActionSkip:
		if !def.Skippable {
			return TransitionEntry{}, fmt.Errorf("%w: %s", ErrNotSkippable, t.Stage)
		}
		if cur.Status != StatusNotStarted && cur.Status != StatusBlocked {
			return TransitionEntry{}, invalid
		}
		next.Status = StatusSkipped
		next.SkippedReason = t.Reason
		next.BlockedReason = ""
	case ActionFail:
		if cur.Status != StatusInProgress {
			return TransitionEntry{}, invalid
		}
		next.Status = StatusFailed
		next.FailedReason = t.Reason
	case ActionReset:
		switch cur.Status {
		case StatusFailed, StatusBlocked, StatusInProgress:
		default:
			return TransitionEntry{}, invalid
		}
		next = StageState{Status: StatusNotStarted, Notes: cur.Notes}
	case ActionBlock:
		if cur.Status != StatusNotStarted && cur.Status != StatusInProgress {
			return TransitionEntry{}, invalid
		}
		next.Status = StatusBlocked
		next.BlockedReason = t.Reason
	default:
		return TransitionEntry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, t.Action)
	}
	if t.Notes != "" {
		next.Notes = t.Notes
	}

	entry := TransitionEntry{
		Seq:    len(r.TransitionLog) + 1,
		At:     now,
		Actor:  t.Actor,
		Stage:  t.Stage,
		Action: t.Action,
		From:   cur.Status,
		To:     next.Status,
		Reason: t.Reason,
	}
	if r.Stages == nil {
		r.Stages = make(map[Stage]StageState)
	}
	r.Stages[t.Stage] = next
	r.TransitionLog = append(r.TransitionLog, entry)
	r.Version++
	r.UpdatedAt = now
	return entry, nil
}

// Startable lists stages that are not_started and whose gate passes.
func (m *Machine) Startable(r *Record) []Stage {
	if r.Closed(m.Pipeline) {
		return nil
	}
	var out []Stage
	for _, s := range m.Pipeline.Stages() {
		if r.State(s).Status != StatusNotStarted {
			continue
		}
		if m.CheckGate(r, s) == nil {
			out = append(out, s)
		}
	}
	return out
}

// OverdueStage is an in-progress stage past its advisory timeout.
type OverdueStage struct {
	RootID    string        `json:"root_id"`
	Stage     Stage         `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	Timeout   time.Duration `json:"timeout"`
	Overdue   time.Duration `json:"overdue"`
}

// Overdue reports in-progress stages of r running longer than their
// configured timeout. It never changes r.
func (m *Machine) Overdue(r *Record, now time.Time) []OverdueStage {
	var out []OverdueStage
	for _, d := range m.Pipeline.defs {
		st := r.State(d.Stage)
		if st.Status != StatusInProgress || st.StartedAt == nil || d.Timeout <= 0 {
			continue
		}
		elapsed := now.Sub(*st.StartedAt)
		if elapsed > d.Timeout {
			out = append(out, OverdueStage{
				RootID:    r.RootID,
				Stage:     d.Stage,
				StartedAt: *st.StartedAt,
				Timeout:   d.Timeout,
				Overdue:   elapsed - d.Timeout,
			})
		}
	}
	return out
}
