package core

import (
	"errors"
	"fmt"
)

// Messages here are surfaced verbatim to API callers and analysts.
var (
	ErrRequestNotFound = errors.New("Request not found")
	ErrRequestExpired  = errors.New("Request expired")
)

// TransitionError is returned when approve/reject targets a request that
// already left the pending state. Status carries the current state so
// callers can refresh their view.
type TransitionError struct {
	Status ApprovalStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("Request already %s", e.Status)
}

// ValidationError reports a missing or malformed action parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Missing required parameter: %s", e.Field)
	}
	return fmt.Sprintf("Invalid parameter %s: %s", e.Field, e.Reason)
}

// IsTransitionError reports whether err is (or wraps) a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
