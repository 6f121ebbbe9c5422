package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrConflict  = errors.New("conflict")
	// ErrStaleEvent is returned by a subscription upsert whose event describes
	// an older billing period than the stored row. The row is left untouched.
	ErrStaleEvent = errors.New("stale event")
)
