// Package store persists JSON documents under the workspace directory.
//
// Every mutation runs under an exclusive lock file for the document,
// validates the result and replaces the file with a rename, so readers
// see either the old or the new document and never a partial one.
// Reads take no lock.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DocID names a persisted document.
type DocID string

const (
	DocTasks     DocID = "tasks"
	DocArchive   DocID = "archive"
	DocLifecycle DocID = "lifecycle"
)

// lockPriority fixes the global acquisition order for multi-document
// writes. Lower goes first.
var lockPriority = map[DocID]int{
	DocTasks:     1,
	DocArchive:   2,
	DocLifecycle: 3,
}

func (id DocID) fileName() string { return string(id) + ".json" }

// Document is anything the store can persist.
type Document interface {
	Validate() error
}

// Options configures a Store.
type Options struct {
	Dir         string
	BackupCount int
	Lock        LockOptions
	Logger      *slog.Logger
	Now         func() time.Time
}

// Store reads and writes documents in one directory.
type Store struct {
	opts Options
	log  *slog.Logger

	// fault is consulted at crash points during a write; tests use it to
	// stop a write half way.
	fault func(phase string) error
}

const (
	phaseReclaim      = "reclaim"
	phaseStaged       = "staged"
	phaseBeforeRename = "before-rename"
	phaseAfterRename  = "after-rename"
)

// Open prepares dir and removes temp files left by interrupted writes.
func Open(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	opts.Lock = opts.Lock.withDefaults()
	if opts.BackupCount < 0 {
		opts.BackupCount = 0
	}
	s := &Store{opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if matches, err := filepath.Glob(filepath.Join(opts.Dir, "*.json.tmp-*")); err == nil {
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				s.log.Info("removed leftover temp file", "path", m)
			}
		}
	}
	return s, nil
}

// Dir returns the directory holding the documents.
func (s *Store) Dir() string { return s.opts.Dir }

func (s *Store) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now()
	}
	return time.Now()
}

func (s *Store) docPath(id DocID) string {
	return filepath.Join(s.opts.Dir, id.fileName())
}

func (s *Store) lockPath(id DocID) string {
	return s.docPath(id) + ".lock"
}

func known(id DocID) error {
	if _, ok := lockPriority[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	return nil
}

// Read decodes id into into. It returns ErrNotFound when the document
// was never written and a *CorruptError when it exists but is damaged.
func (s *Store) Read(id DocID, into Document) error {
	if err := known(id); err != nil {
		return err
	}
	path := s.docPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("read %s: %w", id, err)
	}
	return decode(id, path, data, into)
}

// ReadOrEmpty is Read, leaving into untouched when the document is absent.
func (s *Store) ReadOrEmpty(id DocID, into Document) error {
	err := s.Read(id, into)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func decode(id DocID, path string, data []byte, into Document) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(into); err != nil {
		return &CorruptError{Doc: id, Path: path, Err: err}
	}
	if err := into.Validate(); err != nil {
		return &CorruptError{Doc: id, Path: path, Err: err}
	}
	return nil
}

// WriteLocked locks id, loads the current document into doc (leaving the
// caller's empty value when the file is absent), runs transform, validates
// doc and writes it. transform must base its decisions on doc as loaded
// here, not on an earlier unlocked read. If transform or validation fails
// nothing is written.
func (s *Store) WriteLocked(ctx context.Context, id DocID, doc Document, transform func() error) error {
	return s.WriteMultiLocked(ctx, map[DocID]Document{id: doc}, transform)
}

// WriteMultiLocked is WriteLocked over several documents. Locks are taken
// in the fixed priority order regardless of map order and released in
// reverse. All documents are validated before the first one is written.
func (s *Store) WriteMultiLocked(ctx context.Context, docs map[DocID]Document, op func() error) error {
	ids := make([]DocID, 0, len(docs))
	for id := range docs {
		if err := known(id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lockPriority[ids[i]] < lockPriority[ids[j]] })

	held := make([]*fileLock, 0, len(ids))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.release(held[i])
		}
	}()
	for _, id := range ids {
		l, err := s.acquire(ctx, id)
		if err != nil {
			return err
		}
		held = append(held, l)
	}

	for _, id := range ids {
		if err := s.ReadOrEmpty(id, docs[id]); err != nil {
			return err
		}
	}
	if err := op(); err != nil {
		return err
	}
	encoded := make([][]byte, len(ids))
	for i, id := range ids {
		if err := docs[id].Validate(); err != nil {
			return &ValidationError{Doc: id, Err: err}
		}
		data, err := json.MarshalIndent(docs[id], "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		encoded[i] = append(data, '\n')
	}
	// Every temp file is written and synced before the first rename, so an
	// I/O error while encoding or staging leaves all documents untouched.
	staged := make([]string, 0, len(ids))
	committed := false
	defer func() {
		if !committed {
			for _, p := range staged {
				os.Remove(p)
			}
		}
	}()
	for i, id := range ids {
		tmpPath, err := s.stage(id, encoded[i])
		if err != nil {
			return err
		}
		staged = append(staged, tmpPath)
	}
	if err := s.crashPoint(phaseBeforeRename); err != nil {
		// A real crash would leave the temp files behind; Open cleans them up.
		committed = true
		return err
	}
	for i, id := range ids {
		if err := s.rotate(id); err != nil {
			s.log.Warn("backup rotation failed", "doc", string(id), "err", err)
		}
		if err := os.Rename(staged[i], s.docPath(id)); err != nil {
			if i > 0 {
				s.log.Error("multi-document write interrupted", "renamed", ids[:i], "failed", string(id), "err", err)
			}
			return fmt.Errorf("rename %s: %w", id, err)
		}
	}
	committed = true
	if err := syncDir(s.opts.Dir); err != nil {
		s.log.Warn("sync store dir", "err", err)
	}
	return s.crashPoint(phaseAfterRename)
}

// stage writes data to a synced temp file next to the document and
// returns its path. The temp file is removed on error.
func (s *Store) stage(id DocID, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.opts.Dir, id.fileName()+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", id, err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write temp for %s: %w", id, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp for %s: %w", id, err))
	}
	if err := s.crashPoint(phaseStaged); err != nil {
		return fail(fmt.Errorf("stage %s: %w", id, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp for %s: %w", id, err)
	}
	return tmpPath, nil
}

func (s *Store) crashPoint(phase string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(phase)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
