package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by Await when the process outlived its timeout.
	ErrTimeout = errors.New("process timed out")
	// ErrCanceled is returned by Await when the caller's context ended first.
	ErrCanceled = errors.New("process canceled")
)

// SpawnError reports that the process could not be started at all
// (missing interpreter, bad working directory, ...).
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }
