package task

import (
	"errors"
)

// ProcessError wraps a failure returned by the user task's Process or Window
// and records the name of the task that raised it.
type ProcessError struct {
	Cause    error
	TaskName string
}

func (e *ProcessError) Error() string {
	return e.Cause.Error()
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

func NewProcessError(cause error, taskName string) error {
	return &ProcessError{Cause: cause, TaskName: taskName}
}

func AsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
