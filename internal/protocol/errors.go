package protocol

import (
	"errors"
	"fmt"
)

const (
	// Request/transport validation.
	ErrBadRequest = "E_BAD_REQUEST"

	// Game rule layer.
	ErrNotFound            = "E_NOT_FOUND"
	ErrConflict            = "E_CONFLICT"
	ErrValidation          = "E_VALIDATION"
	ErrInsufficientBalance = "E_INSUFFICIENT_BALANCE"
	ErrRateLimit           = "E_RATE_LIMIT"
	ErrInternal            = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadRequest:          {},
	ErrNotFound:            {},
	ErrConflict:            {},
	ErrValidation:          {},
	ErrInsufficientBalance: {},
	ErrRateLimit:           {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a coded game error carried from the engine to the transport edge.
type Error struct {
	Code    string
	Message string
	// Detail holds machine-readable context, e.g. required vs current
	// balance on an insufficient-balance rejection.
	Detail map[string]any
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds a coded error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail key and returns the error for chaining.
func (e *Error) WithDetail(key string, v any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = v
	return e
}

// CodeOf extracts the protocol code from err, or E_INTERNAL for plain errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}

// AsError returns the coded error inside err, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}
