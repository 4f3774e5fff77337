package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/events"
	"waveline/internal/graph"
	"waveline/internal/lifecycle"
	"waveline/internal/repo"
	"waveline/internal/store"
)

// Engine is the only write path into the task and lifecycle documents.
// Every mutation re-derives its decision from the documents handed to it
// under the store lock.
type Engine struct {
	Store    *store.Store
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Pipeline *lifecycle.Pipeline
	Logger   *slog.Logger
	Now      func() time.Time
}

// New wires an engine. conn may be nil, in which case the change log is
// not written. pipeline is built once by the caller from cfg.
func New(st *store.Store, conn *sql.DB, cfg *config.Config, pipeline *lifecycle.Pipeline) Engine {
	return Engine{
		Store:    st,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Config:   cfg,
		Pipeline: pipeline,
		Logger:   slog.New(slog.DiscardHandler),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (e Engine) limits() graph.Limits {
	if e.Config == nil {
		return graph.DefaultLimits()
	}
	return e.Config.Limits()
}

func (e Engine) machine() *lifecycle.Machine {
	return &lifecycle.Machine{Pipeline: e.Pipeline, Now: e.now}
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "local"
	}
	return actor
}

// emit appends to the change log after the store write has committed. A
// failure here cannot undo the write, so it is logged and swallowed.
func (e Engine) emit(ctx context.Context, evtType, entityKind, entityID, actor string, payload events.EventPayload) {
	if e.Events.Now == nil {
		e.Events.Now = e.now
	}
	if err := e.Events.Append(ctx, evtType, entityKind, entityID, actorOrDefault(actor), payload); err != nil {
		e.log().Warn("change log append failed", "type", evtType, "entity_id", entityID, "err", err)
	}
}

func (e Engine) readTasks() (*domain.TaskCollection, error) {
	var c domain.TaskCollection
	if err := e.Store.ReadOrEmpty(store.DocTasks, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (e Engine) readArchive() (*domain.ArchiveCollection, error) {
	var a domain.ArchiveCollection
	if err := e.Store.ReadOrEmpty(store.DocArchive, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (e Engine) readRecords() (*lifecycle.Records, error) {
	var r lifecycle.Records
	if err := e.Store.ReadOrEmpty(store.DocLifecycle, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Init creates empty documents so a fresh workspace reads cleanly. It is
// safe to run on an existing workspace.
func (e Engine) Init(ctx context.Context, actor string) error {
	created := false
	var tasks domain.TaskCollection
	if err := e.Store.Read(store.DocTasks, &tasks); errors.Is(err, store.ErrNotFound) {
		var archive domain.ArchiveCollection
		var records lifecycle.Records
		docs := map[store.DocID]store.Document{
			store.DocTasks:     &tasks,
			store.DocArchive:   &archive,
			store.DocLifecycle: &records,
		}
		now := e.now()
		if err := e.Store.WriteMultiLocked(ctx, docs, func() error {
			if tasks.Tasks == nil {
				tasks.Tasks = []domain.Task{}
			}
			if archive.ArchivedTasks == nil {
				archive.ArchivedTasks = []domain.Task{}
			}
			if records.Pipelines == nil {
				records.Pipelines = map[string]*lifecycle.Record{}
			}
			tasks.LastUpdated, archive.LastUpdated, records.LastUpdated = now, now, now
			return nil
		}); err != nil {
			return err
		}
		created = true
	} else if err != nil {
		return err
	}
	if created {
		e.log().Info("workspace initialized", "dir", e.Store.Dir())
		e.emit(ctx, "workspace.initialized", "workspace", "", actor, nil)
	}
	return nil
}
