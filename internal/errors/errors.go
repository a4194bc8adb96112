package errors

import "errors"

// Store errors. Every failure returned by the state store wraps
// ErrStorageUnavailable so the engine can treat it as fatal for a run.
var (
	ErrStorageUnavailable = errors.New("sync state storage unavailable")
	ErrRootNotFound       = errors.New("sync root not found")
	ErrRecordNotFound     = errors.New("sync record not found")
	ErrRootExists         = errors.New("remote path already enrolled as a sync root")
	ErrRootOverlap        = errors.New("sync root overlaps an enrolled root")
)

// Run errors.
var (
	ErrRootLocked    = errors.New("sync root is already running")
	ErrRootSuspended = errors.New("sync root is suspended")
)

// Conflict resolution errors.
var (
	ErrNotConflicted     = errors.New("record has no standing conflict")
	ErrInvalidResolution = errors.New("invalid conflict resolution")
)
