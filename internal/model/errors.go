package model

import "fmt"

// ValidationError reports a form-level problem with user input. The form
// stays open and the message is shown inline.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
