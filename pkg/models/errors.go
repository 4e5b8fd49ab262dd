package models

import (
	"errors"
	"fmt"
)

// ErrorCategory buckets failures by how callers should react: validation
// and not-found surface to the caller unretried, transient failures are
// retried by the next sweep, conflicts are retried once against fresh
// state, config defects are surfaced to staff.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryTransient  ErrorCategory = "transient"
	CategoryConfig     ErrorCategory = "config"
)

// Error is the user-visible failure shape: a stable code/category plus a
// human-readable detail string.
type Error struct {
	Category ErrorCategory `json:"category"`
	Code     string        `json:"code"`
	Detail   string        `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Detail)
}

// NewValidationError reports malformed input or a missing required field.
func NewValidationError(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryValidation, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports an unknown episode/task/patient.
func NewNotFoundError(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryNotFound, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NewConflictError reports a concurrent writer losing a race.
func NewConflictError(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryConflict, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NewTransientError reports an integration failure worth retrying later.
func NewTransientError(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryTransient, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NewConfigError reports a configuration defect (e.g. no outreach
// template exists). Fatal for the operation, surfaced to staff.
func NewConfigError(code, format string, args ...interface{}) *Error {
	return &Error{Category: CategoryConfig, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func category(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return category(err) == CategoryValidation }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return category(err) == CategoryNotFound }

// IsConflict reports whether err is a lost conditional update.
func IsConflict(err error) bool { return category(err) == CategoryConflict }

// IsTransient reports whether err should be retried by a later sweep.
func IsTransient(err error) bool { return category(err) == CategoryTransient }

// IsConfig reports whether err is a configuration defect.
func IsConfig(err error) bool { return category(err) == CategoryConfig }
