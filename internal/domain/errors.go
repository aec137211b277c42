package domain

import "fmt"

// ValidationError reports a spec field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Reason)
}
