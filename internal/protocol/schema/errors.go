package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongElement means "this schema does not describe this element".
	// It is normal control flow when trying schema candidates.
	ErrWrongElement = errors.New("schema: wrong element")

	ErrUnknownField = errors.New("schema: unknown field")
	ErrNotListed    = errors.New("schema: field is not listed")
	ErrCanceled     = errors.New("schema: request canceled")
	ErrSentinel     = errors.New("schema: sentinel instance has no content")
)

// ParseError indicates that an element matched a schema structurally but its
// content could not be resolved (missing required field, bad value, a
// non-list field matching several children).
type ParseError struct {
	Schema string
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%s: %s", e.Schema, e.Field, e.Reason)
}

// IsParseError reports whether err carries a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func parseErr(s *Schema, f *Field, format string, args ...any) *ParseError {
	pe := &ParseError{Reason: fmt.Sprintf(format, args...)}
	if s != nil {
		pe.Schema = s.name
	}
	if f != nil {
		pe.Field = f.Name
	}
	return pe
}
