package app_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"waveline/internal/app"
	"waveline/internal/engine"
	"waveline/internal/repo"
)

func TestOpenWiresEngine(t *testing.T) {
	dir := t.TempDir()
	yml := []byte("logging:\n  level: error\n  file: wv.log\n")
	if err := os.WriteFile(filepath.Join(dir, "waveline.yml"), yml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	ctx := context.Background()
	rt, err := app.Open(ctx, app.Options{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if err := rt.Engine.Init(ctx, "tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	task, err := rt.Engine.AddTask(ctx, engine.TaskCreateOptions{Title: "first", ActorID: "tester"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".waveline", "tasks.json")); err != nil {
		t.Fatalf("tasks document missing: %v", err)
	}
	evts, err := rt.Engine.Repo.LatestEvents(ctx, 5, 0, repo.EventFilter{EntityID: task.ID})
	if err != nil || len(evts) != 1 {
		t.Fatalf("events = %+v, %v", evts, err)
	}
}

func TestOpenWithoutChangeLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	rt, err := app.Open(ctx, app.Options{Workspace: dir, NoChangeLog: true, LogLevel: "error"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.DB != nil {
		t.Fatalf("expected no change log connection")
	}
	if _, err := rt.Engine.AddTask(ctx, engine.TaskCreateOptions{Title: "quiet"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".waveline", "events.db")); !os.IsNotExist(err) {
		t.Fatalf("events.db should not exist: %v", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "waveline.yml"), bytes.TrimSpace([]byte("hierarchy:\n  max_depth: 0\n")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := app.Open(context.Background(), app.Options{Workspace: dir}); err == nil {
		t.Fatalf("expected config error")
	}
}
