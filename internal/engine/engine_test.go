package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/graph"
	"waveline/internal/lifecycle"
	"waveline/internal/migrate"
	"waveline/internal/repo"
	"waveline/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.Open(store.Options{Dir: db.Dir(dir), BackupCount: 3})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := config.Default()
	p, err := cfg.BuildPipeline()
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	eng := engine.New(st, conn, cfg, p)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.Init(ctx, "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) add(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.AddTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("add %q: %v", opts.Title, err)
	}
	return task
}

func (env testEnv) snapshot(t *testing.T) []domain.Task {
	t.Helper()
	tasks, err := env.Engine.ListTasks(env.Ctx, engine.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return tasks
}

func TestAddTaskAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	epic := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	child := env.add(t, engine.TaskCreateOptions{Title: "child", ParentID: epic.ID})
	if epic.ID != "T0001" || child.ID != "T0002" {
		t.Fatalf("ids %s %s", epic.ID, child.ID)
	}
	if child.Status != domain.StatusPending || child.Priority != domain.PriorityMedium {
		t.Fatalf("defaults not applied: %+v", child)
	}
	if _, err := env.Engine.AddTask(env.Ctx, engine.TaskCreateOptions{Title: "  "}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.AddTask(env.Ctx, engine.TaskCreateOptions{Title: "x", ParentID: "T0099"}); !errors.Is(err, engine.ErrParentNotFound) {
		t.Fatalf("expected parent not found, got %v", err)
	}
	if _, err := env.Engine.AddTask(env.Ctx, engine.TaskCreateOptions{Title: "x", DependsOn: []string{"T0099"}}); !errors.Is(err, engine.ErrDependencyNotFound) {
		t.Fatalf("expected dependency not found, got %v", err)
	}
}

func TestAddTaskEnforcesHierarchyLimits(t *testing.T) {
	env := newTestEnv(t)
	root := env.add(t, engine.TaskCreateOptions{Title: "root", Type: domain.TypeEpic})
	mid := env.add(t, engine.TaskCreateOptions{Title: "mid", ParentID: root.ID})
	leaf := env.add(t, engine.TaskCreateOptions{Title: "leaf", ParentID: mid.ID})
	_, err := env.Engine.AddTask(env.Ctx, engine.TaskCreateOptions{Title: "too deep", ParentID: leaf.ID})
	if !errors.Is(err, graph.ErrDepthExceeded) {
		t.Fatalf("expected depth exceeded, got %v", err)
	}
	sub := env.add(t, engine.TaskCreateOptions{Title: "sub", ParentID: root.ID, Type: domain.TypeSubtask})
	if _, err := env.Engine.AddTask(env.Ctx, engine.TaskCreateOptions{Title: "under sub", ParentID: sub.ID}); !errors.Is(err, graph.ErrInvalidParentType) {
		t.Fatalf("expected invalid parent type, got %v", err)
	}
}

func TestReparentIntoDescendantRejected(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.add(t, engine.TaskCreateOptions{Title: "one", Type: domain.TypeEpic})
	t2 := env.add(t, engine.TaskCreateOptions{Title: "two", ParentID: t1.ID})
	t3 := env.add(t, engine.TaskCreateOptions{Title: "three", ParentID: t2.ID})
	before := env.snapshot(t)

	_, err := env.Engine.ReparentTask(env.Ctx, t1.ID, t3.ID, "tester")
	if !errors.Is(err, engine.ErrCircularReference) {
		t.Fatalf("expected circular reference, got %v", err)
	}
	if after := env.snapshot(t); !reflect.DeepEqual(before, after) {
		t.Fatalf("collection changed after rejected move")
	}

	moved, err := env.Engine.ReparentTask(env.Ctx, t3.ID, t1.ID, "tester")
	if err != nil || moved.ParentID != t1.ID {
		t.Fatalf("valid move failed: %v %+v", err, moved)
	}
}

func TestCompleteReportsUnblocked(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	t2 := env.add(t, engine.TaskCreateOptions{Title: "build", ParentID: t1.ID})
	t3 := env.add(t, engine.TaskCreateOptions{Title: "ship", ParentID: t1.ID, DependsOn: []string{t2.ID}})

	plan, err := env.Engine.GetWavePlan(env.Ctx, t1.ID)
	if err != nil {
		t.Fatalf("waves: %v", err)
	}
	if plan.Len() != 2 || plan.WaveOf(t2.ID) != 0 || plan.WaveOf(t3.ID) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	res, err := env.Engine.CompleteTask(env.Ctx, t2.ID, "tester", false)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	want := []domain.TaskRef{{ID: t3.ID, Title: "ship"}}
	if !reflect.DeepEqual(res.Unblocked, want) {
		t.Fatalf("unblocked = %+v, want %+v", res.Unblocked, want)
	}
	if res.Task.Status != domain.StatusDone || res.Task.CompletedAt == nil {
		t.Fatalf("task not done: %+v", res.Task)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, t2.ID, "tester", false); !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status on second completion, got %v", err)
	}
	ready, err := env.Engine.GetReadyToDispatch(env.Ctx, t1.ID)
	if err != nil || len(ready) != 1 || ready[0].ID != t3.ID {
		t.Fatalf("ready = %+v, %v", ready, err)
	}
}

func TestCompleteBlockedByOpenWork(t *testing.T) {
	env := newTestEnv(t)
	epic := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	dep := env.add(t, engine.TaskCreateOptions{Title: "dep"})
	env.add(t, engine.TaskCreateOptions{Title: "child", ParentID: epic.ID})
	task := env.add(t, engine.TaskCreateOptions{Title: "main", DependsOn: []string{dep.ID}})

	_, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", false)
	var blocked *engine.BlockedError
	if !errors.As(err, &blocked) || !reflect.DeepEqual(blocked.Dependencies, []string{dep.ID}) {
		t.Fatalf("expected blocked by %s, got %v", dep.ID, err)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, epic.ID, "tester", false)
	if !errors.As(err, &blocked) || len(blocked.Children) != 1 {
		t.Fatalf("expected blocked by child, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "tester", true); err != nil {
		t.Fatalf("forced complete: %v", err)
	}
}

func TestDependencyEdits(t *testing.T) {
	env := newTestEnv(t)
	a := env.add(t, engine.TaskCreateOptions{Title: "a"})
	b := env.add(t, engine.TaskCreateOptions{Title: "b", DependsOn: []string{a.ID}})
	c := env.add(t, engine.TaskCreateOptions{Title: "c", DependsOn: []string{b.ID}})

	_, err := env.Engine.AddDependency(env.Ctx, a.ID, c.ID, "tester")
	var cyc *graph.CycleError
	if !errors.As(err, &cyc) || !errors.Is(err, engine.ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if _, err := env.Engine.AddDependency(env.Ctx, a.ID, a.ID, "tester"); !errors.Is(err, graph.ErrSelfDependency) {
		t.Fatalf("expected self dependency, got %v", err)
	}
	if _, err := env.Engine.RemoveDependency(env.Ctx, c.ID, b.ID, "tester"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := env.Engine.AddDependency(env.Ctx, a.ID, c.ID, "tester")
	if err != nil || !reflect.DeepEqual(got.DependsOn, []string{c.ID}) {
		t.Fatalf("add after removal: %v %+v", err, got)
	}
	if _, err := env.Engine.RemoveDependency(env.Ctx, c.ID, b.ID, "tester"); !errors.Is(err, engine.ErrDependencyNotFound) {
		t.Fatalf("expected dependency not found, got %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.add(t, engine.TaskCreateOptions{Title: "draft"})
	title := "final"
	active := domain.StatusActive
	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Title: &title, Status: &active})
	if err != nil || got.Title != "final" || got.Status != domain.StatusActive {
		t.Fatalf("update: %v %+v", err, got)
	}
	done := domain.StatusDone
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: &done}); !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected done to be refused, got %v", err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: "T0042", Title: &title}); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestArchiveAndRestore(t *testing.T) {
	env := newTestEnv(t)
	parent := env.add(t, engine.TaskCreateOptions{Title: "parent", Type: domain.TypeEpic})
	leaf := env.add(t, engine.TaskCreateOptions{Title: "leaf", ParentID: parent.ID})
	later := env.add(t, engine.TaskCreateOptions{Title: "later", DependsOn: []string{leaf.ID}})

	if _, err := env.Engine.ArchiveTask(env.Ctx, leaf.ID, "tester"); !errors.Is(err, engine.ErrNotResolved) {
		t.Fatalf("expected not resolved, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, leaf.ID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, parent.ID, "tester", false); err != nil {
		t.Fatalf("complete parent: %v", err)
	}
	if _, err := env.Engine.ArchiveTask(env.Ctx, parent.ID, "tester"); !errors.Is(err, engine.ErrHasChildren) {
		t.Fatalf("expected has children, got %v", err)
	}
	archived, err := env.Engine.ArchiveTask(env.Ctx, leaf.ID, "tester")
	if err != nil || archived.ArchivedAt == nil {
		t.Fatalf("archive: %v", err)
	}

	live, _ := env.Engine.ListTasks(env.Ctx, engine.TaskFilter{})
	all, _ := env.Engine.ListTasks(env.Ctx, engine.TaskFilter{IncludeArchived: true})
	if len(live) != 2 || len(all) != 3 {
		t.Fatalf("live %d all %d", len(live), len(all))
	}
	if got, err := env.Engine.GetTask(env.Ctx, leaf.ID); err != nil || got.ArchivedAt == nil {
		t.Fatalf("archived lookup: %v", err)
	}

	// An archived dependency counts as resolved.
	ready, err := env.Engine.GetReadyToDispatch(env.Ctx, "")
	if err != nil || len(ready) != 1 || ready[0].ID != later.ID {
		t.Fatalf("ready = %+v, %v", ready, err)
	}
	fresh := env.add(t, engine.TaskCreateOptions{Title: "fresh", DependsOn: []string{leaf.ID}})
	if len(fresh.DependsOn) != 1 {
		t.Fatalf("archived dependency not accepted")
	}

	restored, err := env.Engine.RestoreTask(env.Ctx, leaf.ID, "tester")
	if err != nil || restored.ArchivedAt != nil || restored.ParentID != parent.ID {
		t.Fatalf("restore: %v %+v", err, restored)
	}
	if _, err := env.Engine.RestoreTask(env.Ctx, leaf.ID, "tester"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected second restore to fail, got %v", err)
	}
}

func TestRestoreRequiresLiveParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.add(t, engine.TaskCreateOptions{Title: "parent", Type: domain.TypeEpic})
	child := env.add(t, engine.TaskCreateOptions{Title: "child", ParentID: parent.ID})
	for _, id := range []string{child.ID, parent.ID} {
		if _, err := env.Engine.CompleteTask(env.Ctx, id, "tester", false); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
		if _, err := env.Engine.ArchiveTask(env.Ctx, id, "tester"); err != nil {
			t.Fatalf("archive %s: %v", id, err)
		}
	}
	if _, err := env.Engine.RestoreTask(env.Ctx, child.ID, "tester"); !errors.Is(err, engine.ErrParentNotFound) {
		t.Fatalf("expected parent not found, got %v", err)
	}
}

func TestGetTree(t *testing.T) {
	env := newTestEnv(t)
	root := env.add(t, engine.TaskCreateOptions{Title: "root", Type: domain.TypeEpic})
	a := env.add(t, engine.TaskCreateOptions{Title: "a", ParentID: root.ID})
	env.add(t, engine.TaskCreateOptions{Title: "a1", ParentID: a.ID})
	env.add(t, engine.TaskCreateOptions{Title: "other"})

	tree, err := env.Engine.GetTree(env.Ctx, root.ID)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(tree) != 1 || len(tree[0].Children) != 1 || len(tree[0].Children[0].Children) != 1 {
		t.Fatalf("unexpected tree %+v", tree)
	}
	all, _ := env.Engine.GetTree(env.Ctx, "")
	if len(all) != 2 {
		t.Fatalf("expected two roots, got %d", len(all))
	}
}

func TestParallelSafe(t *testing.T) {
	env := newTestEnv(t)
	a := env.add(t, engine.TaskCreateOptions{Title: "a"})
	b := env.add(t, engine.TaskCreateOptions{Title: "b", DependsOn: []string{a.ID}})
	c := env.add(t, engine.TaskCreateOptions{Title: "c"})

	res, err := env.Engine.CheckParallelSafe(env.Ctx, []string{a.ID, c.ID})
	if err != nil || !res.Safe {
		t.Fatalf("a and c should be safe: %+v %v", res, err)
	}
	res, err = env.Engine.CheckParallelSafe(env.Ctx, []string{a.ID, b.ID})
	if err != nil || res.Safe {
		t.Fatalf("a and b should conflict: %+v %v", res, err)
	}
	if _, err := env.Engine.CheckParallelSafe(env.Ctx, nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPipelineGateAndVersion(t *testing.T) {
	env := newTestEnv(t)
	epic := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	child := env.add(t, engine.TaskCreateOptions{Title: "child", ParentID: epic.ID})

	if _, err := env.Engine.InitPipeline(env.Ctx, child.ID, "tester"); !errors.Is(err, engine.ErrInvalidRoot) {
		t.Fatalf("expected invalid root, got %v", err)
	}
	rec, err := env.Engine.InitPipeline(env.Ctx, epic.ID, "tester")
	if err != nil || rec.Version != 0 {
		t.Fatalf("init pipeline: %v", err)
	}
	if _, err := env.Engine.InitPipeline(env.Ctx, epic.ID, "tester"); !errors.Is(err, engine.ErrPipelineExists) {
		t.Fatalf("expected exists, got %v", err)
	}

	_, err = env.Engine.StartStage(env.Ctx, engine.StageRequest{RootID: epic.ID, Stage: lifecycle.StageSpec})
	var gate *lifecycle.GateError
	if !errors.As(err, &gate) || !reflect.DeepEqual(gate.Missing, []lifecycle.Stage{lifecycle.StageResearch, lifecycle.StageConsensus}) {
		t.Fatalf("expected gate error, got %v", err)
	}

	req := engine.StageRequest{RootID: epic.ID, Stage: lifecycle.StageResearch, ActorID: "tester"}
	if _, err := env.Engine.StartStage(env.Ctx, req); err != nil {
		t.Fatalf("start research: %v", err)
	}
	stale := 0
	req.ExpectedVersion = &stale
	if _, err := env.Engine.CompleteStage(env.Ctx, req); !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	current := 1
	req.ExpectedVersion = &current
	if _, err := env.Engine.CompleteStage(env.Ctx, req); err != nil {
		t.Fatalf("complete research: %v", err)
	}
	skip := engine.StageRequest{RootID: epic.ID, Stage: lifecycle.StageConsensus}
	if _, err := env.Engine.SkipStage(env.Ctx, skip); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("skip without reason should fail, got %v", err)
	}
	skip.Reason = "solo project"
	if _, err := env.Engine.SkipStage(env.Ctx, skip); err != nil {
		t.Fatalf("skip consensus: %v", err)
	}

	status, err := env.Engine.GetLifecycleStatus(env.Ctx, epic.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != 3 || len(status.Stages) != 9 || len(status.Record.TransitionLog) != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
	startable := map[lifecycle.Stage]bool{}
	for _, s := range status.Startable {
		startable[s] = true
	}
	if !startable[lifecycle.StageSpec] || !startable[lifecycle.StageArchitecture] {
		t.Fatalf("startable = %v", status.Startable)
	}
	if _, err := env.Engine.StartStage(env.Ctx, engine.StageRequest{RootID: "T0404", Stage: lifecycle.StageResearch}); !errors.Is(err, engine.ErrPipelineNotFound) {
		t.Fatalf("expected pipeline not found, got %v", err)
	}
}

// InitPipeline holds the tasks lock while it checks the root, so the root
// cannot be archived between the check and the record being written.
func TestInitPipelineLocksRootTasks(t *testing.T) {
	env := newTestEnv(t)
	epic := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	if _, err := env.Engine.CompleteTask(env.Ctx, epic.ID, "tester", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	dir := env.Engine.Store.Dir()
	lifecycleLock := filepath.Join(dir, "lifecycle.json.lock")
	if err := os.WriteFile(lifecycleLock, nil, 0o644); err != nil {
		t.Fatalf("hold lifecycle lock: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.InitPipeline(env.Ctx, epic.ID, "tester")
		done <- err
	}()

	tasksLock := filepath.Join(dir, "tasks.json.lock")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(tasksLock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			os.Remove(lifecycleLock)
			t.Fatalf("init pipeline never took the tasks lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(env.Ctx, 150*time.Millisecond)
	_, err := env.Engine.ArchiveTask(ctx, epic.ID, "tester")
	cancel()
	if err == nil {
		os.Remove(lifecycleLock)
		t.Fatalf("root archived while a pipeline was being created for it")
	}

	if err := os.Remove(lifecycleLock); err != nil {
		t.Fatalf("release lifecycle lock: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("init pipeline: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, epic.ID); err != nil {
		t.Fatalf("root: %v", err)
	}

	other := env.add(t, engine.TaskCreateOptions{Title: "other", Type: domain.TypeEpic})
	if _, err := env.Engine.CompleteTask(env.Ctx, other.ID, "tester", false); err != nil {
		t.Fatalf("complete other: %v", err)
	}
	if _, err := env.Engine.ArchiveTask(env.Ctx, other.ID, "tester"); err != nil {
		t.Fatalf("archive other: %v", err)
	}
	if _, err := env.Engine.InitPipeline(env.Ctx, other.ID, "tester"); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected task not found for archived root, got %v", err)
	}
}

func TestOverdueStages(t *testing.T) {
	env := newTestEnv(t)
	epic := env.add(t, engine.TaskCreateOptions{Title: "epic", Type: domain.TypeEpic})
	if _, err := env.Engine.InitPipeline(env.Ctx, epic.ID, "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := env.Engine.StartStage(env.Ctx, engine.StageRequest{RootID: epic.ID, Stage: lifecycle.StageResearch}); err != nil {
		t.Fatalf("start: %v", err)
	}
	def, _ := env.Engine.Pipeline.Def(lifecycle.StageResearch)
	start := env.Engine.Now()
	none, err := env.Engine.OverdueStages(env.Ctx, start.Add(time.Minute))
	if err != nil || len(none) != 0 {
		t.Fatalf("nothing should be overdue yet: %+v %v", none, err)
	}
	late, err := env.Engine.OverdueStages(env.Ctx, start.Add(def.Timeout+time.Hour))
	if err != nil || len(late) != 1 || late[0].Stage != lifecycle.StageResearch {
		t.Fatalf("overdue = %+v, %v", late, err)
	}
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	task := env.add(t, engine.TaskCreateOptions{Title: "logged"})
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilter{EntityID: task.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 || evts[0].Type != "task.completed" || evts[0].ActorID != "alice" || evts[1].Type != "task.created" {
		t.Fatalf("unexpected events %+v", evts)
	}
}
