/**
 * Job payloads shared by the Redis LIST and asynq consumers.
 *
 * Producers are Node.js services, so the image may arrive either as a
 * base64 string or as a serialised Node.js Buffer ({"type":"Buffer","data":[...]}).
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/processor"
)

// DefaultProcessingTimeout applies when a consumer is configured without one.
const DefaultProcessingTimeout = 120 * time.Second

// bookkeepingTimeout bounds status and queue writes made on a detached context.
const bookkeepingTimeout = 10 * time.Second

// detached returns a context that keeps ctx's values but survives its
// cancellation, bounded by bookkeepingTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID        string                 `json:"jobId"`
	UserID       string                 `json:"userId"`
	DocumentType string                 `json:"documentType"`
	Filename     string                 `json:"filename"`
	MimeType     string                 `json:"mimeType,omitempty"`
	FileSize     int64                  `json:"fileSize,omitempty"`
	FileURL      string                 `json:"fileUrl,omitempty"`
	FileBuffer   []byte                 `json:"-"` // set by UnmarshalJSON
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts fileBuffer as a base64 string or a Node.js Buffer object.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeFileBuffer(aux.FileBuffer)
	if err != nil {
		return err
	}
	p.FileBuffer = buf
	return nil
}

// MarshalJSON writes fileBuffer as base64.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
		Alias:      Alias(p),
	})
}

func decodeFileBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		buf := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			buf[i] = byte(byteVal)
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// Request converts the payload to a processor request.
func (p *JobPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:        p.JobID,
		UserID:       p.UserID,
		DocumentType: p.DocumentType,
		Filename:     p.Filename,
		MimeType:     p.MimeType,
		FileSize:     p.FileSize,
		FileURL:      p.FileURL,
		FileBuffer:   p.FileBuffer,
		Metadata:     p.Metadata,
	}
}

// Retryable reports whether a failed job may succeed on another attempt.
// Bad input (format, template, undecodable image, config) never will.
func Retryable(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrorUnsupportedFormat, apperrors.ErrorTemplateNotFound,
		apperrors.ErrorImageLoad, apperrors.ErrorConfig:
		return false
	}
	return true
}

// runJob processes one payload under a timeout and records the job status in
// PostgreSQL through proc. A failure is recorded as "retrying" unless
// finalAttempt is set or the error is not retryable. A job cancelled through
// ctx (worker shutdown) is always "retrying": the consumer puts it back.
// Status writes outlive ctx's cancellation.
func runJob(ctx context.Context, proc processor.DocumentProcessorInterface, job *JobPayload, timeout time.Duration, finalAttempt bool) (*processor.ProcessResult, error) {
	startTime := time.Now()
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}

	log.Printf("[Job %s] Processing document: type=%s, filename=%s, size=%d bytes, user=%s",
		job.JobID, job.DocumentType, job.Filename, job.FileSize, job.UserID)

	statusCtx, cancelStatus := detached(ctx)
	defer cancelStatus()

	if err := proc.UpdateJobStatus(statusCtx, job.JobID, "processing", 0, map[string]interface{}{
		"documentType": job.DocumentType,
		"filename":     job.Filename,
		"mimeType":     job.MimeType,
		"fileSize":     job.FileSize,
		"userId":       job.UserID,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", job.JobID, err)
	}

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := proc.ProcessDocument(processCtx, job.Request())
	duration := time.Since(startTime)

	if err != nil {
		status := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		if code := apperrors.CodeOf(err); code != "" {
			status["error_code"] = string(code)
		}

		if processCtx.Err() == context.DeadlineExceeded {
			log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", job.JobID, duration, timeout)
			timeoutErr := apperrors.NewProcessingTimeoutError(job.JobID, timeout, err)
			status = timeoutErr.ToMap()
			err = timeoutErr
		} else {
			log.Printf("[Job %s] Processing failed after %v: %v", job.JobID, duration, err)
		}

		next := "failed"
		if stderrors.Is(ctx.Err(), context.Canceled) || (!finalAttempt && Retryable(err)) {
			next = "retrying"
		}
		statusCtx, cancelStatus = detached(ctx)
		defer cancelStatus()
		if updateErr := proc.UpdateJobStatus(statusCtx, job.JobID, next, 100, status); updateErr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to %s: %v", job.JobID, next, updateErr)
		}
		return nil, err
	}

	log.Printf("[Job %s] Processing completed in %v: quality=%.2f, valid=%t, rois=%d, resultId=%s",
		job.JobID, duration, result.Quality.Quality, result.Quality.IsValid, len(result.ROIs), result.ResultID)

	statusCtx, cancelStatus = detached(ctx)
	defer cancelStatus()
	if err := proc.UpdateJobStatus(statusCtx, job.JobID, "completed", 100, map[string]interface{}{
		"quality":        result.Quality.Quality,
		"processingTime": duration.Milliseconds(),
		"resultId":       result.ResultID,
		"documentType":   result.DocumentType,
		"isValid":        result.Quality.IsValid,
		"missingAnchors": result.Quality.Missing,
		"roisExtracted":  len(result.ROIs),
		"artifacts":      len(result.Artifacts),
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", job.JobID, err)
	}

	return result, nil
}
