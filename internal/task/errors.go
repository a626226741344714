package task

import "errors"

// Kernel error kinds. Callers match with errors.Is.
var (
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrNotFound          = errors.New("task not found")
	ErrDepthExceeded     = errors.New("subtask depth exceeded")
	ErrCycle             = errors.New("task parent chain contains a cycle")
	ErrTimedOut          = errors.New("timed out")
	ErrRejected          = errors.New("rejected by user")
)
