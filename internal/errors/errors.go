package errors

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies pipeline errors into the handling taxonomy: validation
// failures are dropped, scorer failures degrade to neutral results,
// persistence failures retry, integrity failures always escalate, and
// channel failures are isolated per notifier.
type Type string

const (
	TypeValidation  Type = "validation"
	TypeScorer      Type = "scorer"
	TypePersistence Type = "persistence"
	TypeIntegrity   Type = "integrity"
	TypeChannel     Type = "channel"
	TypeConfig      Type = "configuration"
)

// Severity mirrors the alert severity scale for error reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AppError carries classification and context alongside the error chain.
type AppError struct {
	Type      Type                   `json:"type"`
	Severity  Severity               `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// New creates a classified application error.
func New(errType Type, severity Severity, code, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// Wrap attaches an underlying error.
func (e *AppError) Wrap(err error) *AppError {
	e.wrapped = err
	return e
}

// With adds context to the error.
func (e *AppError) With(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// IsType reports whether err (or anything it wraps) is an AppError of the
// given type.
func IsType(err error, t Type) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// Common constructors.

func Validation(code, message string) *AppError {
	return New(TypeValidation, SeverityLow, code, message)
}

func Scorer(code, message string) *AppError {
	return New(TypeScorer, SeverityMedium, code, message)
}

func Persistence(code, message string) *AppError {
	return New(TypePersistence, SeverityHigh, code, message)
}

func Integrity(code, message string) *AppError {
	return New(TypeIntegrity, SeverityCritical, code, message)
}

func Channel(code, message string) *AppError {
	return New(TypeChannel, SeverityMedium, code, message)
}

func Configuration(code, message string) *AppError {
	return New(TypeConfig, SeverityCritical, code, message)
}
