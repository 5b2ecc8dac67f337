package issuance

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps every input error. Nothing is persisted when it is
	// returned.
	ErrValidation = errors.New("validation failed")

	// ErrMissingField is returned when a required subject field is empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is returned when a field is present but malformed.
	ErrInvalidField = errors.New("invalid field")

	// ErrCapability wraps failures reported by the signer.
	ErrCapability = errors.New("signer capability failed")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrValidation, fmt.Errorf(format, args...))
}

func capabilityError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCapability, op, err)
}
