package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// LockOptions bounds lock acquisition.
type LockOptions struct {
	// Timeout is the total retry budget before ErrLockTimeout.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// StaleAfter is how old a lock file must be before it is reclaimed.
	// It should exceed the longest write by a wide margin; see reclaimStale.
	StaleAfter time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 20 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 500 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	return o
}

// lockInfo is the content of a lock file.
type lockInfo struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is a held advisory lock on one document.
type fileLock struct {
	path  string
	token string
}

var errLockHeld = errors.New("lock held")

func (s *Store) acquire(ctx context.Context, id DocID) (*fileLock, error) {
	path := s.lockPath(id)
	opts := s.opts.Lock

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.MaxElapsedTime = opts.Timeout
	b.Reset()

	var held *fileLock
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		l, err := s.tryLock(path)
		if err == nil {
			held = l
			return nil
		}
		if !errors.Is(err, errLockHeld) {
			return backoff.Permanent(err)
		}
		if s.reclaimStale(path, opts.StaleAfter) {
			l, err := s.tryLock(path)
			if err == nil {
				held = l
				return nil
			}
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, id, attempts)
		}
		return nil, err
	}
	return held, nil
}

func (s *Store) tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errLockHeld
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	host, herr := os.Hostname()
	if herr != nil {
		host = "unknown"
	}
	info := lockInfo{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: s.now(),
	}
	data, _ := json.Marshal(info)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return &fileLock{path: path, token: info.Token}, nil
}

// readLock returns the lock holder and the lock's age. A lock file that
// is still being written has no parseable content; its mtime is used.
func (s *Store) readLock(path string) (lockInfo, time.Duration, error) {
	st, err := os.Stat(path)
	if err != nil {
		return lockInfo{}, 0, err
	}
	var info lockInfo
	data, err := os.ReadFile(path)
	if err == nil && json.Unmarshal(data, &info) == nil && !info.AcquiredAt.IsZero() {
		return info, s.now().Sub(info.AcquiredAt), nil
	}
	return info, s.now().Sub(st.ModTime()), nil
}

// reclaimStale removes a lock older than staleAfter. The lock is read
// again just before it is renamed aside, and the token is checked once
// more after the rename; a lock taken by another process in between is
// put back. The put-back can still lose to a third process that creates
// the path after the rename, which then holds the lock alongside the
// original taker; the first holder notices at release. StaleAfter must
// therefore stay well above the longest write.
func (s *Store) reclaimStale(path string, staleAfter time.Duration) bool {
	info, age, err := s.readLock(path)
	if err != nil || age < staleAfter {
		return false
	}
	if err := s.crashPoint(phaseReclaim); err != nil {
		return false
	}
	again, age, err := s.readLock(path)
	if err != nil || again.Token != info.Token || age < staleAfter {
		return false
	}
	aside := fmt.Sprintf("%s.stale.%s", path, uuid.NewString())
	if err := os.Rename(path, aside); err != nil {
		return false
	}
	defer os.Remove(aside)
	var moved lockInfo
	if data, err := os.ReadFile(aside); err == nil {
		_ = json.Unmarshal(data, &moved)
	}
	if moved.Token != info.Token {
		if err := os.Link(aside, path); err != nil {
			s.log.Warn("lost a concurrently acquired lock while reclaiming", "lock", path, "err", err)
		}
		return false
	}
	s.log.Warn("reclaimed stale lock",
		slog.String("lock", path),
		slog.Int("holder_pid", info.PID),
		slog.String("holder_host", info.Hostname),
		slog.Duration("age", age),
	)
	return true
}

func (s *Store) release(l *fileLock) {
	info, _, err := s.readLock(l.path)
	if err != nil {
		s.log.Warn("lock vanished before release", "lock", l.path, "err", err)
		return
	}
	if info.Token != l.token {
		s.log.Warn("lock was reclaimed by another process", "lock", l.path, "holder_pid", info.PID)
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("release lock", "lock", l.path, "err", err)
	}
}
