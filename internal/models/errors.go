package models

import "fmt"

// ValidationError reports a malformed or missing input field. Surfaced to
// the caller immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
