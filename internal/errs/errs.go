// Package errs holds the error taxonomy shared by every messaging component.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input. It is rejected synchronously and never queued.
	ErrValidation = errors.New("validation failed")

	// ErrConnectivity marks an unreachable remote store.
	ErrConnectivity = errors.New("remote store unreachable")

	// ErrInvalidTransition marks status regressions and double deletes.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict marks a concurrent mutation detected by the transaction layer.
	ErrConflict = errors.New("concurrent modification")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Validation wraps ErrValidation with the offending field.
func Validation(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, reason)
}

// Connectivity wraps a transport failure so that errors.Is(err, ErrConnectivity) holds
// while the cause stays reachable through errors.Unwrap chains.
func Connectivity(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConnectivity, cause)
}

// Transition wraps ErrInvalidTransition.
func Transition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}
