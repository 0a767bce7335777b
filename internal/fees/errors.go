package fees

import (
	"errors"
	"fmt"
)

var (
	ErrCreatorNotRegistered = errors.New("creator not registered")
	ErrCreatorMismatch      = errors.New("item not owned by creator")
	ErrItemInactive         = errors.New("item inactive")
	ErrZeroAmount           = errors.New("amount must be greater than zero")
	ErrFeeExceedsAmount     = errors.New("operator fee exceeds creator amount")
	ErrOverflow             = errors.New("amount overflow")
)

// ValidationError rejects a request before any state is written.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError with a formatted reason.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func invalidErr(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
