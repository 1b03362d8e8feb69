package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the text realignment worker
 *
 * Every failure surfaced by the table codec, the realignment engine and the
 * document pipeline is a *ProcessingError carrying one ErrorCode.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Table errors
	ErrorParse          ErrorCode = "PARSE_ERROR"
	ErrorSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"

	// Realignment errors
	ErrorIterationLimit ErrorCode = "ITERATION_LIMIT"
	ErrorInvalidOptions ErrorCode = "INVALID_OPTIONS"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"
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

// WithJob returns a copy of the error attributed to jobID.
func (e *ProcessingError) WithJob(jobID string) *ProcessingError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Factory functions for common errors

// NewParseError reports a row that cannot be split into the schema's columns
// or a column that does not hold the expected numeric value. line is 1-based.
func NewParseError(line int, column string, value string, cause error) *ProcessingError {
	msg := fmt.Sprintf("line %d: invalid value %q for column %q", line, value, column)
	if column == "" {
		msg = fmt.Sprintf("line %d: %s", line, value)
	}
	return &ProcessingError{
		Code:      ErrorParse,
		Message:   msg,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"line":   line,
			"column": column,
		},
		Cause: cause,
	}
}

func NewSchemaMismatchError(columns []string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorSchemaMismatch,
		Message:   fmt.Sprintf("unusable table header: %s", reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"columns": columns,
		},
	}
}

func NewIterationLimitError(passes int, records int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorIterationLimit,
		Message:   fmt.Sprintf("realignment still merging after %d passes", passes),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"passes":  passes,
			"records": records,
		},
	}
}

func NewInvalidOptionsError(reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidOptions,
		Message:   reason,
		Timestamp: time.Now(),
	}
}

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

func NewOCRFailedError(jobID string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed on page %d", page),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
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

// CodeOf returns the code of the first ProcessingError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// AsProcessingError returns the first ProcessingError in err's chain
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HasCode reports whether err's chain holds a ProcessingError with code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
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

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
