package lifecycle

import (
	"fmt"
	"sort"
	"time"
)

// StageState is the persisted state of one stage.
type StageState struct {
	Status        StageStatus `json:"status"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	SkippedReason string      `json:"skipped_reason,omitempty"`
	FailedReason  string      `json:"failed_reason,omitempty"`
	BlockedReason string      `json:"blocked_reason,omitempty"`
	Notes         string      `json:"notes,omitempty"`
}

// Action names a transition.
type Action string

const (
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionSkip     Action = "skip"
	ActionFail     Action = "fail"
	ActionReset    Action = "reset"
	ActionBlock    Action = "block"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionStart, ActionComplete, ActionSkip, ActionFail, ActionReset, ActionBlock:
		return a, nil
	}
	return "", fmt.Errorf("unknown stage action %q", s)
}

// TransitionEntry is one row of the append-only audit log.
type TransitionEntry struct {
	Seq    int         `json:"seq"`
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Stage  Stage       `json:"stage"`
	Action Action      `json:"action"`
	From   StageStatus `json:"from"`
	To     StageStatus `json:"to"`
	Reason string      `json:"reason,omitempty"`
}

// Record is the lifecycle of one pipeline root.
type Record struct {
	RootID        string               `json:"root_id"`
	Version       int                  `json:"version"`
	Stages        map[Stage]StageState `json:"stages"`
	TransitionLog []TransitionEntry    `json:"transition_log"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// State returns the state of s, defaulting to not_started.
func (r *Record) State(s Stage) StageState {
	if st, ok := r.Stages[s]; ok {
		return st
	}
	return StageState{Status: StatusNotStarted}
}

// Closed reports whether the terminal stage of p is completed.
func (r *Record) Closed(p *Pipeline) bool {
	return r.State(p.Terminal()).Status == StatusCompleted
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Stages = make(map[Stage]StageState, len(r.Stages))
	for k, v := range r.Stages {
		cp.Stages[k] = v
	}
	cp.TransitionLog = append([]TransitionEntry(nil), r.TransitionLog...)
	return &cp
}

func (r *Record) validate() error {
	if r.RootID == "" {
		return fmt.Errorf("record without root id")
	}
	for s, st := range r.Stages {
		if !s.Valid() {
			return fmt.Errorf("record %s: %w: %d", r.RootID, ErrUnknownStage, int(s))
		}
		if !st.Status.Valid() {
			return fmt.Errorf("record %s: stage %s has invalid status %q", r.RootID, s, st.Status)
		}
	}
	for i, e := range r.TransitionLog {
		if e.Seq != i+1 {
			return fmt.Errorf("record %s: transition log out of sequence at %d", r.RootID, i)
		}
	}
	if r.Version != len(r.TransitionLog) {
		return fmt.Errorf("record %s: version %d does not match %d log entries", r.RootID, r.Version, len(r.TransitionLog))
	}
	return nil
}

// Records is the persisted lifecycle document, keyed by root task id.
type Records struct {
	Pipelines   map[string]*Record `json:"pipelines"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Validate implements the store document contract.
func (rs *Records) Validate() error {
	for id, r := range rs.Pipelines {
		if r == nil {
			return fmt.Errorf("pipeline %s: empty record", id)
		}
		if r.RootID != id {
			return fmt.Errorf("pipeline %s: root id mismatch %s", id, r.RootID)
		}
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the record for rootID.
func (rs *Records) Get(rootID string) (*Record, bool) {
	r, ok := rs.Pipelines[rootID]
	return r, ok
}

// Put stores r under its root id.
func (rs *Records) Put(r *Record) {
	if rs.Pipelines == nil {
		rs.Pipelines = make(map[string]*Record)
	}
	rs.Pipelines[r.RootID] = r
}

// RootIDs returns the keys in sorted order.
func (rs *Records) RootIDs() []string {
	ids := make([]string, 0, len(rs.Pipelines))
	for id := range rs.Pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AppendOnly reports an error if next does not extend prev's log.
func AppendOnly(prev, next *Record) error {
	if len(next.TransitionLog) < len(prev.TransitionLog) {
		return fmt.Errorf("record %s: transition log truncated", prev.RootID)
	}
	for i := range prev.TransitionLog {
		if !sameEntry(prev.TransitionLog[i], next.TransitionLog[i]) {
			return fmt.Errorf("record %s: transition log entry %d rewritten", prev.RootID, i+1)
		}
	}
	return nil
}

func sameEntry(a, b TransitionEntry) bool {
	return a.Seq == b.Seq && a.At.Equal(b.At) && a.Actor == b.Actor && a.Stage == b.Stage &&
		a.Action == b.Action && a.From == b.From && a.To == b.To && a.Reason == b.Reason
}
