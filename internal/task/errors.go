package task

import "errors"

// Transition errors. Each is returned when the task is not in a state the
// requested transition can start from.
var (
	ErrCannotStartTask    = errors.New("cannot start task")
	ErrCannotCompleteTask = errors.New("cannot complete task")
	ErrCannotFailTask     = errors.New("cannot fail task")
	ErrCannotCancelTask   = errors.New("cannot cancel task")
	ErrCannotBounceTask   = errors.New("cannot bounce task")
)
