package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the coordinator API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// Sentinels for the round-loop error taxonomy. The typed errors below match
// them through errors.Is.
var (
	ErrConfiguration    = errors.New("invalid configuration")
	ErrEmptyPool        = errors.New("no eligible clients")
	ErrStragglers       = errors.New("round has stragglers")
	ErrClientReport     = errors.New("client reported failure")
	ErrCheckpointIO     = errors.New("checkpoint i/o failed")
	ErrResumeCorruption = errors.New("checkpoint cannot be resumed")
)

// ConfigurationError lists every invalid field found at startup. Fatal.
type ConfigurationError struct {
	Fields []FieldError
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Add appends a field problem.
func (e *ConfigurationError) Add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// EmptyPoolError means selection had nothing to choose from. The round is
// retried after a backoff.
type EmptyPoolError struct {
	Round int
	Total int // registered clients, including blacklisted/unreachable
}

func (e *EmptyPoolError) Error() string {
	return fmt.Sprintf("round %d: no eligible clients (%d registered)", e.Round, e.Total)
}

func (e *EmptyPoolError) Is(target error) bool { return target == ErrEmptyPool }

// StragglerError means the round was discarded because selected clients did
// not finish in time (or nothing finished at all).
type StragglerError struct {
	Round      int
	Stragglers []int
	Completed  int
}

func (e *StragglerError) Error() string {
	return fmt.Sprintf("round %d: %d straggler(s) %v, %d completed", e.Round, len(e.Stragglers), e.Stragglers, e.Completed)
}

func (e *StragglerError) Is(target error) bool { return target == ErrStragglers }

// ClientReportError is a failure reported by the client itself. It is
// reconciled exactly like a straggler.
type ClientReportError struct {
	Round    int
	ClientID int
	Message  string
}

func (e *ClientReportError) Error() string {
	return fmt.Sprintf("round %d: client %d reported failure: %s", e.Round, e.ClientID, e.Message)
}

func (e *ClientReportError) Is(target error) bool { return target == ErrClientReport }

// CheckpointIOError wraps a failed checkpoint read or write. Non-fatal for writes.
type CheckpointIOError struct {
	Op    string
	Round int
	Err   error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s (round %d): %v", e.Op, e.Round, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

func (e *CheckpointIOError) Is(target error) bool { return target == ErrCheckpointIO }

// ResumeCorruptionError means a checkpoint exists but cannot be trusted. Fatal.
type ResumeCorruptionError struct {
	Reason string
	Err    error
}

func (e *ResumeCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resume: %s: %v", e.Reason, e.Err)
	}
	return "resume: " + e.Reason
}

func (e *ResumeCorruptionError) Unwrap() error { return e.Err }

func (e *ResumeCorruptionError) Is(target error) bool { return target == ErrResumeCorruption }

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrResumeCorruption)
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
