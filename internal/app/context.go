package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/engine"
	"waveline/internal/logging"
	"waveline/internal/migrate"
	"waveline/internal/store"
)

// Options selects the workspace and overrides taken from flags.
type Options struct {
	Workspace string
	// LogLevel overrides logging.level from waveline.yml when set.
	LogLevel string
	// NoChangeLog skips the SQLite change log.
	NoChangeLog bool
}

// Runtime holds everything a command needs. Close releases it.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	Store     *store.Store
	DB        *sql.DB
	Engine    engine.Engine

	closers []func() error
}

// Open loads config, builds the logger, opens the document store and the
// change log, and wires the engine. The pipeline is built here once and
// shared by every component of the process.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, opts, cfg)
}

// OpenWithConfig is Open with an already loaded config.
func OpenWithConfig(ctx context.Context, opts Options, cfg *config.Config) (*Runtime, error) {
	pipeline, err := cfg.BuildPipeline()
	if err != nil {
		return nil, err
	}
	dir, err := db.EnsureWorkspace(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg}

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, closeLog, err := logging.New(logging.Options{Level: level, File: cfg.Logging.File, Dir: dir})
	if err != nil {
		return nil, err
	}
	rt.Logger = logger
	rt.closers = append(rt.closers, closeLog)

	rt.Store, err = store.Open(store.Options{
		Dir:         dir,
		BackupCount: cfg.Store.BackupCount,
		Lock: store.LockOptions{
			Timeout:         cfg.Store.Lock.Timeout,
			InitialInterval: cfg.Store.Lock.InitialInterval,
			MaxInterval:     cfg.Store.Lock.MaxInterval,
			StaleAfter:      cfg.Store.Lock.StaleAfter,
		},
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	if !opts.NoChangeLog {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("open change log: %w", err)
		}
		rt.closers = append(rt.closers, conn.Close)
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrate change log: %w", err)
		}
		if applied > 0 {
			logger.Debug("change log migrated", "applied", applied)
		}
		rt.DB = conn
	}

	rt.Engine = engine.New(rt.Store, rt.DB, cfg, pipeline)
	rt.Engine.Logger = logger.With("component", "engine")
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
