package model

import "errors"

// Error taxonomy shared by all stores and the task manager. Callers classify
// with errors.Is; stores wrap these with context via fmt.Errorf("%w: ...").
var (
	// ErrValidation marks malformed or missing input. Rejected synchronously,
	// never enqueued as a task.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown userId, pid, or submitId.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks an unreachable backing store or index. Worker
	// processing treats it as transient and retries before failing the task.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrConflict marks an optimistic-concurrency mismatch on update.
	ErrConflict = errors.New("concurrency conflict")
)
