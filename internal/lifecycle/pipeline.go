package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// StageDef describes one configured stage.
type StageDef struct {
	Stage       Stage
	DisplayName string
	Category    Category
	Skippable   bool
	// Gated stages must pass through in_progress before completion.
	Gated bool
	// Timeout is advisory; nothing enforces it.
	Timeout       time.Duration
	Prerequisites []Stage
}

// Pipeline is the immutable ordered stage list plus prerequisite map.
// Build it once with NewPipeline and share the pointer.
type Pipeline struct {
	defs  []StageDef
	index map[Stage]int
}

// NewPipeline validates defs and returns a Pipeline. Every prerequisite
// must be listed before the stage that requires it, which keeps the
// prerequisite map acyclic.
func NewPipeline(defs []StageDef) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	p := &Pipeline{
		defs:  make([]StageDef, len(defs)),
		index: make(map[Stage]int, len(defs)),
	}
	for i, d := range defs {
		if !d.Stage.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownStage, int(d.Stage))
		}
		if _, dup := p.index[d.Stage]; dup {
			return nil, fmt.Errorf("stage %s listed twice", d.Stage)
		}
		seen := make(map[Stage]bool, len(d.Prerequisites))
		for _, pre := range d.Prerequisites {
			if _, ok := p.index[pre]; !ok {
				return nil, fmt.Errorf("stage %s: prerequisite %s must be listed earlier", d.Stage, pre)
			}
			if seen[pre] {
				return nil, fmt.Errorf("stage %s: prerequisite %s repeated", d.Stage, pre)
			}
			seen[pre] = true
		}
		if d.DisplayName == "" {
			d.DisplayName = d.Stage.DefaultDisplayName()
		}
		if d.Category == "" {
			d.Category = d.Stage.DefaultCategory()
		}
		if d.Timeout < 0 {
			return nil, fmt.Errorf("stage %s: negative timeout", d.Stage)
		}
		d.Prerequisites = append([]Stage(nil), d.Prerequisites...)
		p.defs[i] = d
		p.index[d.Stage] = i
	}
	return p, nil
}

// DefaultPipeline is the canonical nine-stage pipeline.
func DefaultPipeline() *Pipeline {
	p, err := NewPipeline(DefaultStageDefs())
	if err != nil {
		panic(err)
	}
	return p
}

// DefaultStageDefs returns the canonical stage definitions. Verification
// is required before testing; it may be skipped, which satisfies the gate.
func DefaultStageDefs() []StageDef {
	return []StageDef{
		{Stage: StageResearch, Gated: true, Timeout: 48 * time.Hour},
		{Stage: StageConsensus, Gated: true, Skippable: true, Timeout: 24 * time.Hour,
			Prerequisites: []Stage{StageResearch}},
		{Stage: StageArchitecture, Gated: true, Skippable: true, Timeout: 24 * time.Hour,
			Prerequisites: []Stage{StageConsensus}},
		{Stage: StageSpec, Gated: true, Timeout: 48 * time.Hour,
			Prerequisites: []Stage{StageResearch, StageConsensus}},
		{Stage: StageDecompose, Gated: true, Timeout: 24 * time.Hour,
			Prerequisites: []Stage{StageSpec}},
		{Stage: StageImplement, Gated: true, Timeout: 168 * time.Hour,
			Prerequisites: []Stage{StageDecompose}},
		{Stage: StageVerify, Skippable: true, Timeout: 24 * time.Hour,
			Prerequisites: []Stage{StageImplement}},
		{Stage: StageTest, Gated: true, Timeout: 48 * time.Hour,
			Prerequisites: []Stage{StageImplement, StageVerify}},
		{Stage: StageRelease, Gated: true, Timeout: 24 * time.Hour,
			Prerequisites: []Stage{StageTest}},
	}
}

// Stages returns the configured stage order.
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.defs))
	for i, d := range p.defs {
		out[i] = d.Stage
	}
	return out
}

// Defs returns a copy of every stage definition in order.
func (p *Pipeline) Defs() []StageDef {
	out := make([]StageDef, len(p.defs))
	for i, d := range p.defs {
		d.Prerequisites = append([]Stage(nil), d.Prerequisites...)
		out[i] = d
	}
	return out
}

// Def returns the definition of s.
func (p *Pipeline) Def(s Stage) (StageDef, bool) {
	i, ok := p.index[s]
	if !ok {
		return StageDef{}, false
	}
	d := p.defs[i]
	d.Prerequisites = append([]Stage(nil), d.Prerequisites...)
	return d, true
}

// Has reports whether s is part of this pipeline.
func (p *Pipeline) Has(s Stage) bool {
	_, ok := p.index[s]
	return ok
}

// Prerequisites returns the stages that must be completed or skipped
// before s may start.
func (p *Pipeline) Prerequisites(s Stage) []Stage {
	d, _ := p.Def(s)
	return d.Prerequisites
}

// Terminal is the last configured stage. Completing it closes the pipeline.
func (p *Pipeline) Terminal() Stage {
	return p.defs[len(p.defs)-1].Stage
}
