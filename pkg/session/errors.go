package session

import "errors"

var (
	// ErrNotFound is returned for unknown session or entry ids.
	ErrNotFound = errors.New("not found")
	// ErrCorruptLog is returned when a persisted log cannot be replayed into a valid tree.
	ErrCorruptLog = errors.New("corrupt session log")
	// ErrInvalidRange is returned when a compaction range is not a linear run.
	ErrInvalidRange = errors.New("invalid compaction range")
	// ErrInvalidEntry is returned when an append would violate tree invariants.
	ErrInvalidEntry = errors.New("invalid entry")
	// ErrClosed is returned by operations on a closed session or manager.
	ErrClosed = errors.New("session closed")
)
