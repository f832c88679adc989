package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "client '7' not found"}
	assert.Equal(t, "NOT_FOUND: client '7' not found", err.Error())
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("round", "12")
	assert.Equal(t, ErrNotFound, err.Code)
	assert.Equal(t, "round '12' not found", err.Message)
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("Invalid request",
		FieldError{Field: "speed", Message: "must be positive"},
		FieldError{Field: "samples", Message: "must be positive"},
	)
	assert.Equal(t, ErrValidation, err.Code)
	assert.Len(t, err.Details, 2)
}

func TestTaxonomy_IsAndFatal(t *testing.T) {
	cfgErr := &ConfigurationError{}
	cfgErr.Add("selector", "unknown selector \"x\"")

	tests := []struct {
		name     string
		err      error
		sentinel error
		fatal    bool
	}{
		{"configuration", cfgErr, ErrConfiguration, true},
		{"empty pool", &EmptyPoolError{Round: 1}, ErrEmptyPool, false},
		{"stragglers", &StragglerError{Round: 2, Stragglers: []int{3}}, ErrStragglers, false},
		{"client report", &ClientReportError{Round: 2, ClientID: 3}, ErrClientReport, false},
		{"checkpoint io", &CheckpointIOError{Op: "write", Err: errors.New("disk full")}, ErrCheckpointIO, false},
		{"resume corruption", &ResumeCorruptionError{Reason: "bad json"}, ErrResumeCorruption, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("run: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.fatal, IsFatal(wrapped))
		})
	}
}

func TestConfigurationError_Message(t *testing.T) {
	e := &ConfigurationError{}
	e.Add("round_timeout", "must be positive")
	e.Add("selector", "unknown")
	assert.EqualError(t, e, "invalid configuration: round_timeout: must be positive; selector: unknown")
}

func TestCheckpointIOError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &CheckpointIOError{Op: "write", Round: 4, Err: inner}
	assert.ErrorIs(t, err, inner)
}
