package engine

import (
	"errors"
	"fmt"

	"tablekit/internal/metadata"
	"tablekit/internal/store"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(what string, id any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s %v not found", what, id),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func UniqueViolationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "UNIQUE_VIOLATION",
		Status:  409,
		Message: "A record with this value already exists",
		Details: details,
	}
}

func UnknownFieldError(field string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_FIELD",
		Status:  400,
		Message: fmt.Sprintf("Unknown field: %s", field),
	}
}

func UnsupportedOperatorError(field, op string, reason string) *AppError {
	msg := fmt.Sprintf("Operator %q is not supported for field %s", op, field)
	if reason != "" {
		msg += ": " + reason
	}
	return &AppError{Code: "UNSUPPORTED_OPERATOR", Status: 400, Message: msg}
}

func InvalidFilterError(format string, args ...any) *AppError {
	return &AppError{Code: "INVALID_FILTER", Status: 400, Message: fmt.Sprintf(format, args...)}
}

func InvalidWidgetError(format string, args ...any) *AppError {
	return &AppError{Code: "INVALID_WIDGET", Status: 400, Message: fmt.Sprintf(format, args...)}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}

// AsAppError maps err to the boundary error it represents. It returns nil
// for errors that have no client-facing meaning (internal failures).
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, metadata.ErrDuplicateName):
		return NewAppError("DUPLICATE_NAME", 409, err.Error())
	case errors.Is(err, metadata.ErrInvalidName):
		return NewAppError("INVALID_NAME", 422, err.Error())
	case errors.Is(err, metadata.ErrInvalidConstraint):
		return NewAppError("INVALID_CONSTRAINT", 422, err.Error())
	case errors.Is(err, metadata.ErrImmutable):
		return NewAppError("IMMUTABLE", 409, err.Error())
	case errors.Is(err, metadata.ErrAppInactive):
		return NewAppError("APP_INACTIVE", 409, err.Error())
	case errors.Is(err, metadata.ErrConcurrentChange):
		return NewAppError("CONFLICT", 409, err.Error())
	case errors.Is(err, metadata.ErrAppNotFound),
		errors.Is(err, metadata.ErrTableNotFound),
		errors.Is(err, metadata.ErrColumnNotFound),
		errors.Is(err, store.ErrNotFound):
		return NewAppError("NOT_FOUND", 404, err.Error())
	case errors.Is(err, store.ErrUniqueViolation):
		return UniqueViolationError(nil)
	case errors.Is(err, metadata.ErrTypeMismatch):
		return InvalidPayloadError(err.Error())
	}
	return nil
}
