package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskFinished    = errors.New("task already finished")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownTaskType = errors.New("unknown task type")
)
