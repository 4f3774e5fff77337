package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// backupPath returns the n-th backup of id; 1 is the most recent.
func (s *Store) backupPath(id DocID, n int) string {
	return filepath.Join(s.opts.Dir, "backups", fmt.Sprintf("%s.%d", id.fileName(), n))
}

// rotate shifts the ring by one and copies the current document into
// slot 1. The oldest slot is evicted. The live file is copied, not moved,
// so readers keep seeing it until the rename that replaces it.
func (s *Store) rotate(id DocID) error {
	n := s.opts.BackupCount
	if n <= 0 {
		return nil
	}
	current, err := os.ReadFile(s.docPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.opts.Dir, "backups"), 0o755); err != nil {
		return err
	}
	if err := os.Remove(s.backupPath(id, n)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := n - 1; i >= 1; i-- {
		if err := os.Rename(s.backupPath(id, i), s.backupPath(id, i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.WriteFile(s.backupPath(id, 1), current, 0o644)
}

// Backups lists the existing backups of id, most recent first.
func (s *Store) Backups(id DocID) ([]string, error) {
	if _, ok := lockPriority[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	var out []string
	for i := 1; i <= s.opts.BackupCount; i++ {
		p := s.backupPath(id, i)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
