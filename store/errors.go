package store

import "errors"

var (
	// ErrSchemaViolation is returned when a partial update references a field
	// that is not part of the state schema, or carries a value the field
	// cannot hold.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrTypeMismatch is wrapped together with ErrSchemaViolation when a value
	// cannot be assigned or losslessly converted to the field's type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidState is returned when the state type is not a struct.
	ErrInvalidState = errors.New("state must be a struct")
)
