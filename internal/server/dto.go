package server

import (
	"encoding/json"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/lifecycle"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string   `json:"title" minLength:"1"`
	Description string   `json:"description,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Type        string   `json:"type,omitempty" enum:"epic,task,subtask"`
	Priority    string   `json:"priority,omitempty" enum:"critical,high,medium,low"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"critical,high,medium,low"`
	Status      *string  `json:"status,omitempty" enum:"pending,active,blocked,cancelled"`
	Labels      []string `json:"labels,omitempty"`
}

type ReparentRequest struct {
	// ParentID empty moves the task to the root.
	ParentID string `json:"parent_id"`
}

type DependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

type ParallelCheckRequest struct {
	TaskIDs []string `json:"task_ids" minItems:"1"`
}

type StageActionRequest struct {
	Reason string `json:"reason,omitempty"`
	Notes  string `json:"notes,omitempty"`
	// ExpectedVersion rejects the transition when the record has moved on.
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type taskList struct {
	Items []domain.Task `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ConfigResponse struct {
	Hierarchy struct {
		MaxDepth    int `json:"max_depth"`
		MaxSiblings int `json:"max_siblings"`
	} `json:"hierarchy"`
	Stages   []stageConfigResponse `json:"stages"`
	Webhooks int                   `json:"webhooks"`
}

type stageConfigResponse struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Category      string   `json:"category"`
	Skippable     bool     `json:"skippable"`
	Gated         bool     `json:"gated"`
	TimeoutHours  int      `json:"timeout_hours,omitempty"`
	Prerequisites []string `json:"prerequisites"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config, p *lifecycle.Pipeline) ConfigResponse {
	var out ConfigResponse
	if cfg != nil {
		out.Hierarchy.MaxDepth = cfg.Hierarchy.MaxDepth
		out.Hierarchy.MaxSiblings = cfg.Hierarchy.MaxSiblings
		out.Webhooks = len(cfg.Webhooks)
	}
	out.Stages = []stageConfigResponse{}
	if p == nil {
		return out
	}
	for _, def := range p.Defs() {
		prereqs := make([]string, 0, len(def.Prerequisites))
		for _, s := range def.Prerequisites {
			prereqs = append(prereqs, s.String())
		}
		out.Stages = append(out.Stages, stageConfigResponse{
			Name:          def.Stage.String(),
			DisplayName:   def.DisplayName,
			Category:      string(def.Category),
			Skippable:     def.Skippable,
			Gated:         def.Gated,
			TimeoutHours:  int(def.Timeout.Hours()),
			Prerequisites: prereqs,
		})
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
