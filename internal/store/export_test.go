package store

const (
	PhaseReclaim      = phaseReclaim
	PhaseStaged       = phaseStaged
	PhaseBeforeRename = phaseBeforeRename
	PhaseAfterRename  = phaseAfterRename
)

func (s *Store) SetFault(fn func(phase string) error) { s.fault = fn }

func (s *Store) LockPath(id DocID) string { return s.lockPath(id) }

func (s *Store) DocPath(id DocID) string { return s.docPath(id) }
