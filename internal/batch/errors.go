package batch

import "errors"

// Sentinel errors for manager operations. Lock conflicts are reported via
// *store.ConflictError (wrapping store.ErrRunInProgress), so a caller can
// both test with errors.Is and recover the in-flight run id with errors.As.
var (
	ErrDuplicateHandler = errors.New("batch: handler already registered for job type")
	ErrUnknownJobType   = errors.New("batch: unknown job type")
	ErrNotAttached      = errors.New("batch: pollers not attached")
)
