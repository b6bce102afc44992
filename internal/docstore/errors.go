package docstore

import (
	"errors"

	"carelink.app/internal/schema"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document already exists")
	ErrClosed   = errors.New("store closed")

	// ErrCorrupt marks persisted state that cannot be decoded at all.
	ErrCorrupt = errors.New("persisted store is corrupt")

	// Re-exported so callers need only this package for error checks.
	ErrValidation      = schema.ErrValidation
	ErrSchemaMigration = schema.ErrSchemaMigration
)
