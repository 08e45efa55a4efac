package types

import "errors"

// Registry and store errors. Callers check them with errors.Is; the backend
// wraps them with the name of the entity involved.
var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrOutOfRange      = errors.New("index out of range")
	ErrNotAttached     = errors.New("data type not attached to model")
	ErrDimensionShrink = errors.New("metadata would orphan existing rows")
	ErrCorrupt         = errors.New("store is corrupt or incompatible")
	ErrInUse           = errors.New("data type is in use by a service")
	ErrClosed          = errors.New("database is closed")
)

// Validation errors.
var (
	ErrInvalidKind     = errors.New("invalid payload kind")
	ErrInvalidProvider = errors.New("invalid service provider")
	ErrInvalidMetadata = errors.New("invalid model metadata")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidIndex    = errors.New("invalid index")
	ErrInvalidName     = errors.New("invalid name")
)
