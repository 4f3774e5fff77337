package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"waveline/internal/domain"
	"waveline/internal/events"
	"waveline/internal/graph"
	"waveline/internal/store"
	"waveline/internal/waves"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title       string
	Description string
	ParentID    string
	Type        domain.TaskType
	Priority    domain.Priority
	DependsOn   []string
	Labels      []string
	ActorID     string
}

func (o *TaskCreateOptions) normalize() error {
	o.Title = strings.TrimSpace(o.Title)
	if o.Title == "" {
		return invalidInput("title is required")
	}
	if o.Priority == "" {
		o.Priority = domain.PriorityMedium
	}
	if !o.Priority.Valid() {
		return invalidInput("unknown priority %q", o.Priority)
	}
	if o.Type != "" && !o.Type.Valid() {
		return invalidInput("unknown task type %q", o.Type)
	}
	seen := make(map[string]bool, len(o.DependsOn))
	for _, d := range o.DependsOn {
		if seen[d] {
			return invalidInput("dependency %s listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

// AddTask creates a task under opts.ParentID (or at the root).
func (e Engine) AddTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := opts.normalize(); err != nil {
		return domain.Task{}, err
	}
	var col domain.TaskCollection
	var created domain.Task
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		g := graph.New(col.Tasks)
		if err := g.ValidatePlacement(opts.ParentID, e.limits()); err != nil {
			return err
		}
		if err := e.checkNewDependencies(g, opts.DependsOn); err != nil {
			return err
		}
		now := e.now()
		created = domain.Task{
			ID:          col.NextID(),
			Title:       opts.Title,
			Description: opts.Description,
			Status:      domain.StatusPending,
			Priority:    opts.Priority,
			Type:        opts.Type,
			ParentID:    opts.ParentID,
			DependsOn:   append([]string(nil), opts.DependsOn...),
			Labels:      append([]string(nil), opts.Labels...),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		col.Tasks = append(col.Tasks, created)
		col.LastUpdated = now
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", "task_id", created.ID, "parent_id", created.ParentID, "actor", opts.ActorID)
	e.emit(ctx, "task.created", "task", created.ID, opts.ActorID, events.EventPayload{
		"title": created.Title, "parent_id": created.ParentID, "depends_on": created.DependsOn,
	})
	return created, nil
}

// checkNewDependencies accepts live tasks and archived ones. A new task
// has no dependents yet, so no edge to it can close a cycle. The archive
// is read while the task lock is held; archive moves take that lock too.
func (e Engine) checkNewDependencies(g *graph.Graph, deps []string) error {
	var archive *domain.ArchiveCollection
	for _, d := range deps {
		if g.Has(d) {
			continue
		}
		if archive == nil {
			a, err := e.readArchive()
			if err != nil {
				return err
			}
			archive = a
		}
		if archive.Index(d) < 0 {
			return fmt.Errorf("%w: %s", ErrDependencyNotFound, d)
		}
	}
	return nil
}

// TaskUpdateOptions holds the optional fields of UpdateTask. Nil means
// unchanged.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *domain.Priority
	Status      *domain.Status
	Labels      *[]string
	ActorID     string
}

// UpdateTask edits descriptive fields and status. Completion goes through
// CompleteTask so its dependency checks cannot be bypassed.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, invalidInput("title must not be empty")
	}
	if opts.Priority != nil && !opts.Priority.Valid() {
		return domain.Task{}, invalidInput("unknown priority %q", *opts.Priority)
	}
	if opts.Status != nil {
		if !opts.Status.Valid() {
			return domain.Task{}, invalidInput("unknown status %q", *opts.Status)
		}
		if *opts.Status == domain.StatusDone {
			return domain.Task{}, fmt.Errorf("%w: use complete to mark a task done", ErrInvalidStatus)
		}
	}
	var col domain.TaskCollection
	var updated domain.Task
	changed := map[string]any{}
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		t := col.Find(opts.ID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, opts.ID)
		}
		if opts.Title != nil {
			t.Title = strings.TrimSpace(*opts.Title)
			changed["title"] = t.Title
		}
		if opts.Description != nil {
			t.Description = *opts.Description
			changed["description"] = t.Description
		}
		if opts.Priority != nil {
			t.Priority = *opts.Priority
			changed["priority"] = t.Priority
		}
		if opts.Labels != nil {
			t.Labels = append([]string(nil), (*opts.Labels)...)
			changed["labels"] = t.Labels
		}
		if opts.Status != nil && *opts.Status != t.Status {
			changed["from_status"] = t.Status
			changed["status"] = *opts.Status
			t.Status = *opts.Status
			t.CompletedAt = nil
		}
		now := e.now()
		t.UpdatedAt = now
		col.LastUpdated = now
		updated = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task updated", "task_id", updated.ID, "actor", opts.ActorID)
	e.emit(ctx, "task.updated", "task", updated.ID, opts.ActorID, changed)
	return updated, nil
}

// ReparentTask moves id and its subtree under newParentID. An empty
// newParentID makes the task a root.
func (e Engine) ReparentTask(ctx context.Context, id, newParentID, actor string) (domain.Task, error) {
	var col domain.TaskCollection
	var moved domain.Task
	var from string
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		g := graph.New(col.Tasks)
		if err := g.ValidateMove(id, newParentID, e.limits()); err != nil {
			return err
		}
		t := col.Find(id)
		from = t.ParentID
		t.ParentID = newParentID
		now := e.now()
		t.UpdatedAt = now
		col.LastUpdated = now
		moved = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task reparented", "task_id", id, "from", from, "to", newParentID, "actor", actor)
	e.emit(ctx, "task.reparented", "task", id, actor, events.EventPayload{"from": from, "to": newParentID})
	return moved, nil
}

// AddDependency makes id depend on depID.
func (e Engine) AddDependency(ctx context.Context, id, depID, actor string) (domain.Task, error) {
	var col domain.TaskCollection
	var out domain.Task
	added := false
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		g := graph.New(col.Tasks)
		t := col.Find(id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		for _, d := range t.DependsOn {
			if d == depID {
				out = *t
				return nil
			}
		}
		if g.Has(depID) || depID == id {
			if err := g.CheckDependency(id, depID); err != nil {
				return err
			}
		} else if err := e.checkNewDependencies(g, []string{depID}); err != nil {
			return err
		}
		t.DependsOn = append(t.DependsOn, depID)
		now := e.now()
		t.UpdatedAt = now
		col.LastUpdated = now
		out = *t
		added = true
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if added {
		e.log().Info("dependency added", "task_id", id, "depends_on", depID, "actor", actor)
		e.emit(ctx, "task.dependency.added", "task", id, actor, events.EventPayload{"depends_on": depID})
	}
	return out, nil
}

// RemoveDependency drops depID from id's dependencies.
func (e Engine) RemoveDependency(ctx context.Context, id, depID, actor string) (domain.Task, error) {
	var col domain.TaskCollection
	var out domain.Task
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		t := col.Find(id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		kept := t.DependsOn[:0]
		found := false
		for _, d := range t.DependsOn {
			if d == depID {
				found = true
				continue
			}
			kept = append(kept, d)
		}
		if !found {
			return fmt.Errorf("%w: %s does not depend on %s", ErrDependencyNotFound, id, depID)
		}
		t.DependsOn = kept
		now := e.now()
		t.UpdatedAt = now
		col.LastUpdated = now
		out = *t
		return nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("dependency removed", "task_id", id, "depends_on", depID, "actor", actor)
	e.emit(ctx, "task.dependency.removed", "task", id, actor, events.EventPayload{"depends_on": depID})
	return out, nil
}

// CompletionResult is returned by CompleteTask. Unblocked lists tasks
// whose dependencies became fully resolved by this completion; it is for
// notification only.
type CompletionResult struct {
	Task      domain.Task      `json:"task"`
	Unblocked []domain.TaskRef `json:"unblocked_tasks"`
}

// CompleteTask marks id done. Unless force is set, every live dependency
// and every live child must already be done or cancelled.
func (e Engine) CompleteTask(ctx context.Context, id, actor string, force bool) (CompletionResult, error) {
	var col domain.TaskCollection
	var res CompletionResult
	err := e.Store.WriteLocked(ctx, store.DocTasks, &col, func() error {
		g := graph.New(col.Tasks)
		t := col.Find(id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if t.Status.Resolved() {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidStatus, id, t.Status)
		}
		if !force {
			blocked := &BlockedError{TaskID: id}
			for _, d := range t.DependsOn {
				if dep, ok := g.Task(d); ok && !dep.Status.Resolved() {
					blocked.Dependencies = append(blocked.Dependencies, d)
				}
			}
			for _, c := range g.Children(id) {
				if child, _ := g.Task(c); !child.Status.Resolved() {
					blocked.Children = append(blocked.Children, c)
				}
			}
			if len(blocked.Dependencies) > 0 || len(blocked.Children) > 0 {
				return blocked
			}
		}
		now := e.now()
		t.Status = domain.StatusDone
		t.CompletedAt = &now
		t.UpdatedAt = now
		col.LastUpdated = now
		res.Task = *t
		res.Unblocked = waves.Unblocked(id, col.Tasks)
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	if res.Unblocked == nil {
		res.Unblocked = []domain.TaskRef{}
	}
	unblocked := make([]string, len(res.Unblocked))
	for i, r := range res.Unblocked {
		unblocked[i] = r.ID
	}
	e.log().Info("task completed", "task_id", id, "unblocked", unblocked, "forced", force, "actor", actor)
	e.emit(ctx, "task.completed", "task", id, actor, events.EventPayload{"unblocked": unblocked, "forced": force})
	return res, nil
}

// ArchiveTask moves a done or cancelled leaf task into the archive. Live
// tasks may keep listing it as a dependency; archived dependencies count
// as resolved.
func (e Engine) ArchiveTask(ctx context.Context, id, actor string) (domain.Task, error) {
	var col domain.TaskCollection
	var archive domain.ArchiveCollection
	var moved domain.Task
	docs := map[store.DocID]store.Document{store.DocTasks: &col, store.DocArchive: &archive}
	err := e.Store.WriteMultiLocked(ctx, docs, func() error {
		g := graph.New(col.Tasks)
		t, ok := g.Task(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if !t.Status.Resolved() {
			return fmt.Errorf("%w: %s is %s", ErrNotResolved, id, t.Status)
		}
		if kids := g.Children(id); len(kids) > 0 {
			return fmt.Errorf("%w: %s has %s", ErrHasChildren, id, strings.Join(kids, ", "))
		}
		now := e.now()
		col.Remove(id)
		t.ArchivedAt = &now
		t.UpdatedAt = now
		archive.ArchivedTasks = append(archive.ArchivedTasks, t)
		col.LastUpdated, archive.LastUpdated = now, now
		moved = t
		return domain.CheckDisjoint(&col, &archive)
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task archived", "task_id", id, "actor", actor)
	e.emit(ctx, "task.archived", "task", id, actor, nil)
	return moved, nil
}

// RestoreTask moves an archived task back into the live collection. Its
// parent must still be live and the placement and dependency graph are
// checked again, since both may have changed while it was archived.
func (e Engine) RestoreTask(ctx context.Context, id, actor string) (domain.Task, error) {
	var col domain.TaskCollection
	var archive domain.ArchiveCollection
	var restored domain.Task
	docs := map[store.DocID]store.Document{store.DocTasks: &col, store.DocArchive: &archive}
	err := e.Store.WriteMultiLocked(ctx, docs, func() error {
		t, ok := archive.Remove(id)
		if !ok {
			return fmt.Errorf("%w: %s is not archived", ErrTaskNotFound, id)
		}
		if err := graph.New(col.Tasks).ValidatePlacement(t.ParentID, e.limits()); err != nil {
			return err
		}
		now := e.now()
		t.ArchivedAt = nil
		t.UpdatedAt = now
		col.Tasks = append(col.Tasks, t)
		if err := graph.New(col.Tasks).CheckDependencies(); err != nil {
			return err
		}
		col.LastUpdated, archive.LastUpdated = now, now
		restored = t
		return domain.CheckDisjoint(&col, &archive)
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task restored", "task_id", id, "actor", actor)
	e.emit(ctx, "task.restored", "task", id, actor, nil)
	return restored, nil
}

// GetTask returns a live task, falling back to the archive.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	col, err := e.readTasks()
	if err != nil {
		return domain.Task{}, err
	}
	if t := col.Find(id); t != nil {
		return *t, nil
	}
	archive, err := e.readArchive()
	if err != nil {
		return domain.Task{}, err
	}
	if i := archive.Index(id); i >= 0 {
		return archive.ArchivedTasks[i], nil
	}
	return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status          domain.Status
	ParentID        string
	Type            domain.TaskType
	Label           string
	IncludeArchived bool
}

func (f TaskFilter) match(t domain.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Label != "" {
		for _, l := range t.Labels {
			if l == f.Label {
				return true
			}
		}
		return false
	}
	return true
}

// ListTasks returns matching tasks ordered by id.
func (e Engine) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	col, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	all := col.Tasks
	if f.IncludeArchived {
		archive, err := e.readArchive()
		if err != nil {
			return nil, err
		}
		all = append(append([]domain.Task(nil), all...), archive.ArchivedTasks...)
	}
	out := []domain.Task{}
	for _, t := range all {
		if f.match(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := domain.ParseTaskID(out[i].ID)
		b, _ := domain.ParseTaskID(out[j].ID)
		return a < b
	})
	return out, nil
}

// TreeNode is a task with its live subtree.
type TreeNode struct {
	Task     domain.Task `json:"task"`
	Children []TreeNode  `json:"children,omitempty"`
}

// GetTree returns the subtree rooted at rootID, or every root when rootID
// is empty.
func (e Engine) GetTree(ctx context.Context, rootID string) ([]TreeNode, error) {
	col, err := e.readTasks()
	if err != nil {
		return nil, err
	}
	g := graph.New(col.Tasks)
	roots := g.Roots()
	if rootID != "" {
		if !g.Has(rootID) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, rootID)
		}
		roots = []string{rootID}
	}
	seen := map[string]bool{}
	var build func(id string) TreeNode
	build = func(id string) TreeNode {
		seen[id] = true
		t, _ := g.Task(id)
		n := TreeNode{Task: t}
		for _, c := range g.Children(id) {
			if !seen[c] {
				n.Children = append(n.Children, build(c))
			}
		}
		return n
	}
	out := make([]TreeNode, 0, len(roots))
	for _, r := range roots {
		out = append(out, build(r))
	}
	return out, nil
}
