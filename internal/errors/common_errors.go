package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a domain failure. Callers branch on the type, never
// on the message.
type ErrorType string

const (
	ErrTypeNotFound       ErrorType = "NOT_FOUND"
	ErrTypeConflict       ErrorType = "CONFLICT"
	ErrTypeExpired        ErrorType = "EXPIRED"
	ErrTypeNoOnlineTarget ErrorType = "NO_ONLINE_TARGET"
	ErrTypeStorage        ErrorType = "STORAGE"
	ErrTypeValidation     ErrorType = "VALIDATION"
	ErrTypeInternal       ErrorType = "INTERNAL"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFound reports an absent license, package or grant.
func NewNotFound(resource, id string) *AppError {
	return NewAppError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithContext("resource", resource).
		WithContext("id", id)
}

// NewConflict reports a state conflict such as a license bound elsewhere.
func NewConflict(message string) *AppError {
	return NewAppError(ErrTypeConflict, message, nil)
}

// NewExpired reports a download grant past its expiry.
func NewExpired(message string) *AppError {
	return NewAppError(ErrTypeExpired, message, nil)
}

// NewNoOnlineTarget reports a push with no live transport to receive it.
func NewNoOnlineTarget(deviceID string) *AppError {
	msg := "no online device for delivery"
	if deviceID != "" {
		msg = fmt.Sprintf("device %s is not online", deviceID)
	}
	return NewAppError(ErrTypeNoOnlineTarget, msg, nil).WithContext("device_id", deviceID)
}

// NewStorage wraps a persistence failure.
func NewStorage(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewValidation reports malformed input.
func NewValidation(message string) *AppError {
	return NewAppError(ErrTypeValidation, message, nil)
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or
// ErrTypeInternal.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeInternal
}

// IsType reports whether err carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == t
}
