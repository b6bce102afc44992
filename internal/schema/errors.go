package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks documents rejected before persistence.
	ErrValidation = errors.New("validation failed")
	// ErrSchemaMigration marks persisted state that cannot be brought to the
	// current schema version in place.
	ErrSchemaMigration = errors.New("schema migration failed")
)

// ValidationError lists offending fields by name.
type ValidationError struct {
	Collection string
	Fields     map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(collection, field, problem string) *ValidationError {
	return &ValidationError{Collection: collection, Fields: map[string]string{field: problem}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	if e.Collection == "" {
		return "validation failed: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Collection, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// MigrationError reports the step of a migration chain that failed.
type MigrationError struct {
	Collection string
	DocID      string
	From       int
	To         int
	Err        error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("%s: migrate document %q from v%d to v%d: %v", e.Collection, e.DocID, e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrSchemaMigration }
