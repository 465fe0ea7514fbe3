package errors

import (
	"errors"
	"fmt"
)

// Sentinels shared by services and mapped onto HTTP statuses by the API.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
	// ErrProvider marks a failed or malformed messaging provider reply.
	ErrProvider = errors.New("provider error")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
