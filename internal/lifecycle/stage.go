// Package lifecycle implements the stage-gated pipeline that every epic
// moves through.
//
// Stages form a closed set (see [Stage]); which of them a deployment uses,
// in what order and with which prerequisites is described by a [Pipeline]
// built once from configuration and passed to a [Machine]. There is no
// package-level stage list.
package lifecycle

import (
	"fmt"
	"strings"
)

// Stage is one step of the pipeline. The zero value is not a stage.
type Stage int

const (
	StageResearch Stage = iota + 1
	StageConsensus
	StageArchitecture
	StageSpec
	StageDecompose
	StageImplement
	StageVerify
	StageTest
	StageRelease
)

// AllStages lists every known stage in canonical order.
func AllStages() []Stage {
	return []Stage{
		StageResearch,
		StageConsensus,
		StageArchitecture,
		StageSpec,
		StageDecompose,
		StageImplement,
		StageVerify,
		StageTest,
		StageRelease,
	}
}

func (s Stage) String() string {
	switch s {
	case StageResearch:
		return "research"
	case StageConsensus:
		return "consensus"
	case StageArchitecture:
		return "architecture"
	case StageSpec:
		return "spec"
	case StageDecompose:
		return "decompose"
	case StageImplement:
		return "implement"
	case StageVerify:
		return "verify"
	case StageTest:
		return "test"
	case StageRelease:
		return "release"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StageResearch && s <= StageRelease
}

// ParseStage resolves a stage name, case-insensitively.
func ParseStage(name string) (Stage, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, s := range AllStages() {
		if s.String() == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Category groups stages for display and reporting.
type Category string

const (
	CategoryPlanning  Category = "planning"
	CategoryExecution Category = "execution"
	CategoryDelivery  Category = "delivery"
)

// DefaultCategory is the category used when configuration omits one.
func (s Stage) DefaultCategory() Category {
	switch s {
	case StageResearch, StageConsensus, StageArchitecture, StageSpec, StageDecompose:
		return CategoryPlanning
	case StageImplement, StageVerify, StageTest:
		return CategoryExecution
	case StageRelease:
		return CategoryDelivery
	}
	return ""
}

// DefaultDisplayName is the human label used when configuration omits one.
func (s Stage) DefaultDisplayName() string {
	switch s {
	case StageResearch:
		return "Research"
	case StageConsensus:
		return "Consensus"
	case StageArchitecture:
		return "Architecture Decision"
	case StageSpec:
		return "Specification"
	case StageDecompose:
		return "Decomposition"
	case StageImplement:
		return "Implementation"
	case StageVerify:
		return "Verification"
	case StageTest:
		return "Testing"
	case StageRelease:
		return "Release"
	}
	return s.String()
}

// StageStatus is the per-stage state inside a record.
type StageStatus string

const (
	StatusNotStarted StageStatus = "not_started"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusSkipped    StageStatus = "skipped"
	StatusBlocked    StageStatus = "blocked"
	StatusFailed     StageStatus = "failed"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted, StatusSkipped, StatusBlocked, StatusFailed:
		return true
	}
	return false
}

// SatisfiesGate reports whether a prerequisite in this status lets
// dependent stages start.
func (s StageStatus) SatisfiesGate() bool {
	return s == StatusCompleted || s == StatusSkipped
}
