package workflow

import "errors"

var (
	// ErrNotFound is returned when no pending workflow has the given id.
	ErrNotFound = errors.New("unknown or already resolved")

	// ErrAlreadyResolved is returned when the workflow existed but was
	// already resolved, cancelled or timed out. It matches ErrNotFound
	// under errors.Is since callers must treat both the same way.
	ErrAlreadyResolved error = alreadyResolvedError{}

	// ErrDuplicate is returned when registering an id that is still pending.
	ErrDuplicate = errors.New("workflow already pending")

	// ErrTimeout ends a workflow whose timeout elapsed.
	ErrTimeout = errors.New("workflow timed out")

	// ErrCancelled ends a workflow that was cancelled.
	ErrCancelled = errors.New("workflow cancelled")

	// ErrNotAuthorized is returned when the responder does not own the workflow.
	ErrNotAuthorized = errors.New("not authorized")
)

type alreadyResolvedError struct{}

func (alreadyResolvedError) Error() string { return "already resolved" }

func (alreadyResolvedError) Is(target error) bool { return target == ErrNotFound }
