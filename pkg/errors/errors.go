// Package errors defines common error types for the application.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the application.
const (
	CodeUnknown         = "UNKNOWN_ERROR"
	CodeConfigError     = "CONFIG_ERROR"
	CodeSchemaViolation = "SCHEMA_VIOLATION"
	CodeNoClients       = "NO_CLIENTS"
	CodeTransportError  = "TRANSPORT_ERROR"
	CodeTaskError       = "TASK_ERROR"
	CodeInterrupted     = "INTERRUPTED"
	CodeInternal        = "INTERNAL_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeDatabaseError   = "DATABASE_ERROR"
	CodeUploadError     = "UPLOAD_ERROR"
	CodeDownloadError   = "DOWNLOAD_ERROR"
)

// AppError represents an application error with a code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrapf wraps an existing error with an AppError and a formatted message.
func Wrapf(code string, err error, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Common error instances.
var (
	ErrConfigError     = New(CodeConfigError, "configuration error")
	ErrSchemaViolation = New(CodeSchemaViolation, "archive schema violation")
	ErrNoClients       = New(CodeNoClients, "no clients contacted the master")
	ErrTransportError  = New(CodeTransportError, "transport error")
	ErrTaskError       = New(CodeTaskError, "task failed")
	ErrInterrupted     = New(CodeInterrupted, "interrupted")
	ErrInternal        = New(CodeInternal, "internal error")
	ErrNotFound        = New(CodeNotFound, "resource not found")
	ErrDatabaseError   = New(CodeDatabaseError, "database error")
)

// IsSchemaViolation checks if the error is an archive schema violation.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}

// IsNoClients checks if the error is a master liveness failure.
func IsNoClients(err error) bool {
	return errors.Is(err, ErrNoClients)
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTaskError checks if the error is a failed-task error.
func IsTaskError(err error) bool {
	return errors.Is(err, ErrTaskError)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ExitCode maps an error to the process exit code contract: 0 for nil,
// 2 for interruption, 4 for anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInterrupted):
		return 2
	default:
		return 4
	}
}
