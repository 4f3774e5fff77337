package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"waveline/internal/domain"
	"waveline/internal/events"
	"waveline/internal/lifecycle"
	"waveline/internal/store"
)

// InitPipeline creates the lifecycle record for rootID with every
// configured stage not_started.
func (e Engine) InitPipeline(ctx context.Context, rootID, actor string) (*lifecycle.Record, error) {
	var col domain.TaskCollection
	var records lifecycle.Records
	var created *lifecycle.Record
	// The tasks lock keeps the root from being archived or reparented while
	// the record is created.
	docs := map[store.DocID]store.Document{store.DocTasks: &col, store.DocLifecycle: &records}
	err := e.Store.WriteMultiLocked(ctx, docs, func() error {
		root := col.Find(rootID)
		if root == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, rootID)
		}
		if root.Type != domain.TypeEpic && root.ParentID != "" {
			return fmt.Errorf("%w: %s has parent %s", ErrInvalidRoot, rootID, root.ParentID)
		}
		if _, ok := records.Get(rootID); ok {
			return fmt.Errorf("%w: %s", ErrPipelineExists, rootID)
		}
		created = e.machine().NewRecord(rootID)
		records.Put(created)
		records.LastUpdated = created.CreatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log().Info("pipeline initialized", "root_id", rootID, "stages", len(e.Pipeline.Stages()), "actor", actor)
	e.emit(ctx, "pipeline.initialized", "pipeline", rootID, actor, nil)
	return created, nil
}

// StageRequest is the common input of the stage transition operations.
// ExpectedVersion, when set, must match the record's version at the time
// the lock is held.
type StageRequest struct {
	RootID          string
	Stage           lifecycle.Stage
	Reason          string
	Notes           string
	ActorID         string
	ExpectedVersion *int
}

// StageResult is the record after a transition plus the log entry it added.
type StageResult struct {
	Record *lifecycle.Record         `json:"record"`
	Entry  lifecycle.TransitionEntry `json:"entry"`
}

func (e Engine) transition(ctx context.Context, req StageRequest, action lifecycle.Action) (StageResult, error) {
	var records lifecycle.Records
	var res StageResult
	actor := actorOrDefault(req.ActorID)
	err := e.Store.WriteLocked(ctx, store.DocLifecycle, &records, func() error {
		rec, ok := records.Get(req.RootID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPipelineNotFound, req.RootID)
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != rec.Version {
			return fmt.Errorf("%w: %s is at version %d, expected %d", ErrVersionConflict, req.RootID, rec.Version, *req.ExpectedVersion)
		}
		next := rec.Clone()
		entry, err := e.machine().Apply(next, lifecycle.Transition{
			Stage:  req.Stage,
			Action: action,
			Actor:  actor,
			Reason: req.Reason,
			Notes:  req.Notes,
		})
		if err != nil {
			return err
		}
		if err := lifecycle.AppendOnly(rec, next); err != nil {
			return err
		}
		records.Put(next)
		records.LastUpdated = next.UpdatedAt
		res = StageResult{Record: next, Entry: entry}
		return nil
	})
	if err != nil {
		return StageResult{}, err
	}
	attrs := []any{"root_id", req.RootID, "stage", req.Stage.String(), "from", res.Entry.From, "to", res.Entry.To, "actor", actor}
	if action == lifecycle.ActionReset {
		e.log().Warn("stage reset", attrs...)
	} else {
		e.log().Info("stage "+string(action), attrs...)
	}
	e.emit(ctx, "stage."+string(action), "pipeline", req.RootID, actor, events.EventPayload{
		"stage": req.Stage.String(), "from": res.Entry.From, "to": res.Entry.To, "reason": req.Reason, "version": res.Record.Version,
	})
	return res, nil
}

// StartStage moves a stage to in_progress once its gate passes.
func (e Engine) StartStage(ctx context.Context, req StageRequest) (StageResult, error) {
	return e.transition(ctx, req, lifecycle.ActionStart)
}

func (e Engine) CompleteStage(ctx context.Context, req StageRequest) (StageResult, error) {
	return e.transition(ctx, req, lifecycle.ActionComplete)
}

// SkipStage requires a reason; it is kept in the record and the log.
func (e Engine) SkipStage(ctx context.Context, req StageRequest) (StageResult, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return StageResult{}, invalidInput("a reason is required to skip a stage")
	}
	return e.transition(ctx, req, lifecycle.ActionSkip)
}

func (e Engine) FailStage(ctx context.Context, req StageRequest) (StageResult, error) {
	return e.transition(ctx, req, lifecycle.ActionFail)
}

func (e Engine) ResetStage(ctx context.Context, req StageRequest) (StageResult, error) {
	return e.transition(ctx, req, lifecycle.ActionReset)
}

func (e Engine) BlockStage(ctx context.Context, req StageRequest) (StageResult, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return StageResult{}, invalidInput("a reason is required to block a stage")
	}
	return e.transition(ctx, req, lifecycle.ActionBlock)
}

// ApplyStageAction dispatches by action name, for callers that take the
// action as input.
func (e Engine) ApplyStageAction(ctx context.Context, action lifecycle.Action, req StageRequest) (StageResult, error) {
	switch action {
	case lifecycle.ActionStart:
		return e.StartStage(ctx, req)
	case lifecycle.ActionComplete:
		return e.CompleteStage(ctx, req)
	case lifecycle.ActionSkip:
		return e.SkipStage(ctx, req)
	case lifecycle.ActionFail:
		return e.FailStage(ctx, req)
	case lifecycle.ActionReset:
		return e.ResetStage(ctx, req)
	case lifecycle.ActionBlock:
		return e.BlockStage(ctx, req)
	}
	return StageResult{}, invalidInput("unknown stage action %q", action)
}

// StageView is one row of a lifecycle status report.
type StageView struct {
	Stage         lifecycle.Stage      `json:"stage"`
	DisplayName   string               `json:"display_name"`
	Category      lifecycle.Category   `json:"category"`
	Skippable     bool                 `json:"skippable"`
	Gated         bool                 `json:"gated"`
	Prerequisites []lifecycle.Stage    `json:"prerequisites"`
	State         lifecycle.StageState `json:"state"`
}

// LifecycleStatus is the read model of one pipeline.
type LifecycleStatus struct {
	RootID    string            `json:"root_id"`
	Version   int               `json:"version"`
	Stages    []StageView       `json:"stages"`
	Startable []lifecycle.Stage `json:"startable"`
	Closed    bool              `json:"closed"`
	Record    *lifecycle.Record `json:"record"`
}

// GetLifecycleStatus returns every configured stage of rootID's pipeline
// in pipeline order.
func (e Engine) GetLifecycleStatus(ctx context.Context, rootID string) (LifecycleStatus, error) {
	records, err := e.readRecords()
	if err != nil {
		return LifecycleStatus{}, err
	}
	rec, ok := records.Get(rootID)
	if !ok {
		return LifecycleStatus{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, rootID)
	}
	m := e.machine()
	out := LifecycleStatus{
		RootID:    rootID,
		Version:   rec.Version,
		Startable: m.Startable(rec),
		Closed:    rec.Closed(e.Pipeline),
		Record:    rec,
	}
	if out.Startable == nil {
		out.Startable = []lifecycle.Stage{}
	}
	for _, d := range e.Pipeline.Defs() {
		prereq := d.Prerequisites
		if prereq == nil {
			prereq = []lifecycle.Stage{}
		}
		out.Stages = append(out.Stages, StageView{
			Stage:         d.Stage,
			DisplayName:   d.DisplayName,
			Category:      d.Category,
			Skippable:     d.Skippable,
			Gated:         d.Gated,
			Prerequisites: prereq,
			State:         rec.State(d.Stage),
		})
	}
	return out, nil
}

// PipelineSummary is one row of ListPipelines.
type PipelineSummary struct {
	RootID  string           `json:"root_id"`
	Version int              `json:"version"`
	Current *lifecycle.Stage `json:"current,omitempty"`
	Closed  bool             `json:"closed"`
}

// ListPipelines returns every pipeline ordered by root id. Current is the
// first in-progress stage, if any.
func (e Engine) ListPipelines(ctx context.Context) ([]PipelineSummary, error) {
	records, err := e.readRecords()
	if err != nil {
		return nil, err
	}
	out := []PipelineSummary{}
	for _, id := range records.RootIDs() {
		rec, _ := records.Get(id)
		s := PipelineSummary{RootID: id, Version: rec.Version, Closed: rec.Closed(e.Pipeline)}
		for _, st := range e.Pipeline.Stages() {
			if rec.State(st).Status == lifecycle.StatusInProgress {
				cur := st
				s.Current = &cur
				break
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// OverdueStages lists in-progress stages past their advisory timeout
// across all pipelines. Nothing is changed.
func (e Engine) OverdueStages(ctx context.Context, now time.Time) ([]lifecycle.OverdueStage, error) {
	records, err := e.readRecords()
	if err != nil {
		return nil, err
	}
	m := e.machine()
	out := []lifecycle.OverdueStage{}
	for _, id := range records.RootIDs() {
		rec, _ := records.Get(id)
		out = append(out, m.Overdue(rec, now)...)
	}
	return out, nil
}
