package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the DocExtract Worker
 *
 * Design Pattern: Factory Pattern for error creation
 *
 * Two classes of failure exist in the extraction pipeline:
 * - Soft failures (missing template sections, zero anchors found) are reported
 *   through data: empty maps and quality reports. They never surface here.
 * - Hard failures (image decode, OCR worker init, storage) have no meaningful
 *   partial result and are returned as *ProcessingError.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorConfig            ErrorCode = "CONFIG_ERROR"
	ErrorImageLoad         ErrorCode = "IMAGE_LOAD_FAILED"
	ErrorWorkerAcquisition ErrorCode = "WORKER_ACQUISITION_FAILED"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorTemplateNotFound  ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// Sentinels for errors.Is matching against a code, regardless of message or cause.
var (
	ErrConfig            = &ProcessingError{Code: ErrorConfig}
	ErrImageLoad         = &ProcessingError{Code: ErrorImageLoad}
	ErrWorkerAcquisition = &ProcessingError{Code: ErrorWorkerAcquisition}
	ErrOCRFailed         = &ProcessingError{Code: ErrorOCRFailed}
	ErrTemplateNotFound  = &ProcessingError{Code: ErrorTemplateNotFound}
	ErrUnsupportedFormat = &ProcessingError{Code: ErrorUnsupportedFormat}
	ErrProcessingTimeout = &ProcessingError{Code: ErrorProcessingTimeout}
	ErrStorageFailed     = &ProcessingError{Code: ErrorStorageFailed}
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

// Is reports whether target is a ProcessingError with the same code.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// WithJobID stamps the job ID on err if it is a ProcessingError without one.
func WithJobID(err error, jobID string) error {
	var pe *ProcessingError
	if stderrors.As(err, &pe) && pe.JobID == "" {
		pe.JobID = jobID
	}
	return err
}

// Factory functions for common errors

func NewConfigError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorConfig,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewImageLoadError(stage string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorImageLoad,
		Message:   fmt.Sprintf("Failed to load image for %s", stage),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"stage": stage,
		},
		Cause: cause,
	}
}

func NewWorkerAcquisitionError(poolSize int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorWorkerAcquisition,
		Message:   "Failed to acquire OCR worker",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"pool_size": poolSize,
		},
		Cause: cause,
	}
}

func NewOCRFailedError(engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed on engine: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewTemplateNotFoundError(jobID string, documentType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTemplateNotFound,
		Message:   fmt.Sprintf("No template registered for document type: %s", documentType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"document_type": documentType,
		},
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

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store extraction results",
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
