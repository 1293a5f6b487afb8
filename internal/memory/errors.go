package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("memory: validation failed")

	ErrSessionNotFound = errors.New("memory: session not found")
	ErrSessionExists   = errors.New("memory: session already exists")
	ErrSessionExpired  = errors.New("memory: session expired")

	// ErrUnknownAgent is returned by a restricted Registry for agents it does not serve.
	ErrUnknownAgent = errors.New("memory: unknown agent")
)

// ValidationError reports caller input rejected before any I/O.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "memory: invalid input: " + e.Message
	}
	return fmt.Sprintf("memory: invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err refers to an unknown or expired session.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired)
}
