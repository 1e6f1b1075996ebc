package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeConcurrentExecution = "CONCURRENT_EXECUTION"
	ErrCodeVersionConflict     = "VERSION_CONFLICT"
	ErrCodeSignalRejected      = "SIGNAL_REJECTED"
	ErrCodePreflightBlocked    = "PREFLIGHT_BLOCKED"
	ErrCodeNeedsReview         = "NEEDS_REVIEW"
	ErrCodeCapabilityUnknown   = "CAPABILITY_UNKNOWN"
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
)

// TandemError is the structured error type for all engine operations.
// HumanMessage and Message (technical) are carried separately end to end
// so a UI never needs to parse stack traces.
type TandemError struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	HumanMessage string         `json:"human_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	NodeID       string         `json:"node_id,omitempty"`
	Cause        error          `json:"-"`
}

func (e *TandemError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TandemError) Unwrap() error {
	return e.Cause
}

// Human returns the human-facing message, falling back to the technical one.
func (e *TandemError) Human() string {
	if e.HumanMessage != "" {
		return e.HumanMessage
	}
	return e.Message
}

// NewError creates a new TandemError.
func NewError(code, message string) *TandemError {
	return &TandemError{Code: code, Message: message}
}

// NewErrorf creates a new TandemError with a formatted message.
func NewErrorf(code, format string, args ...any) *TandemError {
	return &TandemError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewReviewError creates the recoverable, human-actionable error a connector
// returns to route the run to needs_review instead of failed.
func NewReviewError(human, technical string) *TandemError {
	return &TandemError{Code: ErrCodeNeedsReview, Message: technical, HumanMessage: human}
}

// WithNode attaches a node ID to the error.
func (e *TandemError) WithNode(nodeID string) *TandemError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *TandemError) WithCause(err error) *TandemError {
	e.Cause = err
	return e
}

// WithHuman attaches a human-facing message.
func (e *TandemError) WithHuman(msg string) *TandemError {
	e.HumanMessage = msg
	return e
}

// WithDetails attaches key-value details.
func (e *TandemError) WithDetails(details map[string]any) *TandemError {
	e.Details = details
	return e
}

// IsCode reports whether err is, or wraps, a *TandemError with the
// given code.
func IsCode(err error, code string) bool {
	var te *TandemError
	return errors.As(err, &te) && te.Code == code
}
