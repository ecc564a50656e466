package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Error types for the PCF worker
 *
 * ProcessingError covers job-level failures (timeouts, OCR, storage).
 * StructuralError covers documents that cannot be read as a Pallet
 * Control Form at all; those are terminal and never retried.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorProcessingPanic   ErrorCode = "PROCESSING_PANIC"

	// Document structure errors
	ErrorAnchorNotFound ErrorCode = "ANCHOR_NOT_FOUND"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"
	ErrorIndexFailed    ErrorCode = "INDEX_FAILED"

	// Network errors
	ErrorNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Terminal reports whether retrying the job cannot help
func (e *ProcessingError) Terminal() bool {
	switch e.Code {
	case ErrorAnchorNotFound, ErrorUnsupportedFormat, ErrorInvalidInput, ErrorProcessingPanic:
		return true
	}
	return false
}

// StructuralError means the page has no table to rebuild
type StructuralError struct {
	Code    ErrorCode
	Anchor  string
	Message string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAnchorNotFoundError reports a missing required anchor phrase
func NewAnchorNotFoundError(anchor string) *StructuralError {
	return &StructuralError{
		Code:    ErrorAnchorNotFound,
		Anchor:  anchor,
		Message: fmt.Sprintf("could not locate table: anchor %q not found", anchor),
	}
}

// IsStructural reports whether err wraps a StructuralError
func IsStructural(err error) bool {
	var se *StructuralError
	return stderrors.As(err, &se)
}

// IsTerminal reports whether err should not be retried
func IsTerminal(err error) bool {
	if IsStructural(err) {
		return true
	}
	var pe *ProcessingError
	return stderrors.As(err, &pe) && pe.Terminal()
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewOCRFailedError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("Text recognition failed: %s", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewInvalidInputError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   reason,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

// NewDocumentRejectedError wraps a StructuralError for a job
func NewDocumentRejectedError(jobID string, cause *StructuralError) *ProcessingError {
	return &ProcessingError{
		Code:      cause.Code,
		Message:   cause.Message,
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"anchor": cause.Anchor,
		},
		Cause: cause,
	}
}

// NewProcessingPanicError records a panic recovered while processing a job
func NewProcessingPanicError(jobID string, recovered interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingPanic,
		Message:   fmt.Sprintf("Processing panicked: %v", recovered),
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
