package domain

import "errors"

// Error taxonomy shared by the use cases and the store adapters.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
	ErrConflict     = errors.New("concurrency conflict")
)
