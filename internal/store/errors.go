package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrLockTimeout     = errors.New("lock not acquired within retry budget")
	ErrUnknownDocument = errors.New("unknown document")
	ErrCorrupt         = errors.New("document is corrupt")
	ErrInvalid         = errors.New("document failed validation")
)

// CorruptError is returned when a document on disk cannot be decoded or
// fails its schema check. It is never returned for a missing file.
type CorruptError struct {
	Doc  DocID
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Doc, e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// ValidationError is returned when a transform produced a document that
// fails validation. Nothing was written.
type ValidationError struct {
	Doc DocID
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Doc, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }
