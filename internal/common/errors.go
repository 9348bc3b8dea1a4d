package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
)

// Admission error codes. Each guard failure surfaces a distinct code so the
// caller knows what to remediate.
const (
	CodeAuthInvalid      = "AUTH_INVALID"
	CodeOwnershipDenied  = "OWNERSHIP_DENIED"
	CodeConcurrencyLimit = "CONCURRENCY_LIMIT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeAbuseBlocked     = "ABUSE_BLOCKED"
)

// NewAppError constructs an AppError.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps an error to a response status for the gin layer.
func HTTPStatus(err error) int {
	var app *AppError
	if errors.As(err, &app) {
		switch app.Code {
		case CodeAuthInvalid:
			return http.StatusUnauthorized
		case CodeOwnershipDenied, CodeAbuseBlocked:
			return http.StatusForbidden
		case CodeConcurrencyLimit, CodeRateLimited:
			return http.StatusTooManyRequests
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode extracts the AppError code, or "INTERNAL" for plain errors.
func ErrorCode(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return "INTERNAL"
}
