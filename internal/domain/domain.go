package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusBlocked, StatusDone, StatusCancelled:
		return true
	}
	return false
}

// Resolved reports whether a task in this status satisfies dependents.
func (s Status) Resolved() bool {
	return s == StatusDone || s == StatusCancelled
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank orders priorities, lower first. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

type TaskType string

const (
	TypeEpic    TaskType = "epic"
	TypeTask    TaskType = "task"
	TypeSubtask TaskType = "subtask"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeEpic, TypeTask, TypeSubtask:
		return true
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status" enum:"pending,active,blocked,done,cancelled"`
	Priority    Priority   `json:"priority" enum:"critical,high,medium,low"`
	Type        TaskType   `json:"type,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time  `json:"updated_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty" format:"date-time"`
}

// TaskRef is the short form used in notifications.
type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

var taskIDPattern = regexp.MustCompile(`^T(\d{4,})$`)

// FormatTaskID renders the n-th task id, e.g. 1 -> T0001.
func FormatTaskID(n int) string {
	return fmt.Sprintf("T%04d", n)
}

// ParseTaskID returns the numeric part of a task id.
func ParseTaskID(id string) (int, error) {
	m := taskIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("malformed task id %q", id)
	}
	return strconv.Atoi(m[1])
}

// TaskCollection is the live task document.
type TaskCollection struct {
	LastID      int       `json:"last_id"`
	Tasks       []Task    `json:"tasks"`
	LastUpdated time.Time `json:"last_updated"`
}

// Index returns the position of id in Tasks, or -1.
func (c *TaskCollection) Index(id string) int {
	for i := range c.Tasks {
		if c.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Find returns a pointer into Tasks so transforms can edit in place.
func (c *TaskCollection) Find(id string) *Task {
	if i := c.Index(id); i >= 0 {
		return &c.Tasks[i]
	}
	return nil
}

// Remove deletes id and returns the removed task.
func (c *TaskCollection) Remove(id string) (Task, bool) {
	i := c.Index(id)
	if i < 0 {
		return Task{}, false
	}
	t := c.Tasks[i]
	c.Tasks = append(c.Tasks[:i], c.Tasks[i+1:]...)
	return t, true
}

// NextID reserves the next task id. Ids are never reused.
func (c *TaskCollection) NextID() string {
	c.LastID++
	return FormatTaskID(c.LastID)
}

// Validate checks the document schema. Graph-level invariants (depth,
// fan-out, acyclicity) are enforced by the graph package before writes.
func (c *TaskCollection) Validate() error {
	seen := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		n, _ := ParseTaskID(t.ID)
		if n > c.LastID {
			return fmt.Errorf("task %s exceeds last_id %d", t.ID, c.LastID)
		}
	}
	for _, t := range c.Tasks {
		if t.ParentID != "" && !seen[t.ParentID] {
			return fmt.Errorf("task %s references missing parent %s", t.ID, t.ParentID)
		}
	}
	return nil
}

func (t Task) validate() error {
	if _, err := ParseTaskID(t.ID); err != nil {
		return err
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.Type != "" && !t.Type.Valid() {
		return fmt.Errorf("task %s: invalid type %q", t.ID, t.Type)
	}
	if t.ParentID == t.ID {
		return fmt.Errorf("task %s: parent is itself", t.ID)
	}
	deps := make(map[string]bool, len(t.DependsOn))
	for _, d := range t.DependsOn {
		if d == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
		if deps[d] {
			return fmt.Errorf("task %s: duplicate dependency %s", t.ID, d)
		}
		deps[d] = true
	}
	return nil
}

// ArchiveCollection holds soft-removed tasks.
type ArchiveCollection struct {
	ArchivedTasks []Task    `json:"archived_tasks"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (a *ArchiveCollection) Index(id string) int {
	for i := range a.ArchivedTasks {
		if a.ArchivedTasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *ArchiveCollection) Remove(id string) (Task, bool) {
	i := a.Index(id)
	if i < 0 {
		return Task{}, false
	}
	t := a.ArchivedTasks[i]
	a.ArchivedTasks = append(a.ArchivedTasks[:i], a.ArchivedTasks[i+1:]...)
	return t, true
}

func (a *ArchiveCollection) Validate() error {
	seen := make(map[string]bool, len(a.ArchivedTasks))
	for _, t := range a.ArchivedTasks {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate archived task id %s", t.ID)
		}
		if !t.Status.Resolved() {
			return fmt.Errorf("archived task %s has non-terminal status %s", t.ID, t.Status)
		}
		seen[t.ID] = true
	}
	return nil
}

// ErrOverlap is returned when a task id is live and archived at once.
var ErrOverlap = errors.New("task present in both live and archive collections")

// CheckDisjoint verifies the live and archive id spaces do not overlap.
func CheckDisjoint(live *TaskCollection, archive *ArchiveCollection) error {
	ids := make(map[string]bool, len(live.Tasks))
	for _, t := range live.Tasks {
		ids[t.ID] = true
	}
	for _, t := range archive.ArchivedTasks {
		if ids[t.ID] {
			return fmt.Errorf("%w: %s", ErrOverlap, t.ID)
		}
	}
	return nil
}

// Event is one change-log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
