package engine

import "errors"

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrStopped      = errors.New("scheduler stopped")
)

// Cancellation causes; the cause picks the error text recorded on the
// CANCELLED execution.
var (
	errCancelledByUser = errors.New("cancelled by user")
	errShutdown        = errors.New("scheduler shutting down")
)

func cancelMessage(cause error) string {
	if errors.Is(cause, errCancelledByUser) {
		return "Task cancelled by user"
	}
	return "Task cancelled: scheduler stopped"
}
