package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound                  = errors.New("not found")
	ErrVersionConflict           = errors.New("version conflict")
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")
	ErrCannotUpdateDeletedModel  = errors.New("cannot update deleted model")
	ErrModelNotDeleted           = errors.New("model is not deleted")
)
