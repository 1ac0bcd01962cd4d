// utils/errors.go
package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared by every coordinator. Handlers map them to status codes.
var (
	ErrValidation   = errors.New("invalid request")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// CoordinationError carries a user-facing message and one of the kinds above.
type CoordinationError struct {
	Kind    error
	Message string
}

func (e *CoordinationError) Error() string {
	return e.Message
}

func (e *CoordinationError) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...any) error {
	return &CoordinationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return newError(ErrUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newError(ErrForbidden, format, args...)
}

// ProviderError wraps a rejected or failed call to the matchmaking provider.
// Message is safe to show to players; Diagnostics holds the raw response.
type ProviderError struct {
	Message     string
	Diagnostics string
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Diagnostics == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Diagnostics)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
