package entity

import "errors"

// Error taxonomy shared by the orchestrator and the HTTP layer.
// Handlers map these to status codes; everything else is a 500.
var (
	ErrValidation         = errors.New("validation error")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidState       = errors.New("invalid state")
	ErrStaleReport        = errors.New("stale stage report")
	ErrNotFound           = errors.New("record not found")
	ErrVersionConflict    = errors.New("version conflict")
)
