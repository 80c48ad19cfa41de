/**
 * Extraction Processor for DocExtract Worker
 *
 * Runs the anchor-based field extraction pipeline for one queued job:
 * 1. Load the image (job buffer or URL download with retry)
 * 2. Sniff the real MIME type and resolve the document template
 * 3. Decode, assess quality metrics, optionally normalise pixels
 * 4. Detect anchors on a downscaled copy (pooled Tesseract pass)
 * 5. Validate anchor coverage and derive full-resolution field ROIs
 * 6. Crop every field and upload the crops as artifacts
 * 7. Persist the extraction result in PostgreSQL
 */

package processor

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/docextract-worker/internal/anchor"
	"github.com/adverant/nexus/docextract-worker/internal/clients"
	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/imageproc"
	"github.com/adverant/nexus/docextract-worker/internal/logging"
	"github.com/adverant/nexus/docextract-worker/internal/quality"
	"github.com/adverant/nexus/docextract-worker/internal/roi"
	"github.com/adverant/nexus/docextract-worker/internal/storage"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// TemplateSource resolves a document type to its template. *template.Registry
// satisfies it.
type TemplateSource interface {
	Get(documentType string) (*template.Template, bool)
}

// ResultStore persists extraction results and job status.
type ResultStore interface {
	StoreExtraction(ctx context.Context, input *storage.ExtractionInput) (*storage.ExtractionOutput, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// CropUploader uploads one PNG field crop. *clients.ArtifactClient satisfies it.
type CropUploader interface {
	UploadFieldCrop(ctx context.Context, jobID, field string, png []byte, metadata map[string]interface{}) (*clients.ArtifactRef, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Templates         TemplateSource
	Detector          *anchor.Detector
	Store             ResultStore
	Uploader          CropUploader // optional; crops stay in the result only when nil
	MaxFileSize       int64
	QualityThreshold  *float64 // nil means quality.DefaultValidThreshold
	Preprocess        bool
	PreprocessOptions imageproc.Options
	HTTPClient        *http.Client
	DownloadRetries   int           // default 5
	DownloadBackoff   time.Duration // initial backoff, default 1s
	Logger            *logging.Logger
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID        string
	UserID       string
	DocumentType string
	Filename     string
	MimeType     string
	FileSize     int64
	FileURL      string
	FileBuffer   []byte
	Metadata     map[string]interface{}
}

// ProcessResult represents the result of document processing
type ProcessResult struct {
	ResultID         string                         `json:"resultId"`
	DocumentType     string                         `json:"documentType"`
	TemplateID       string                         `json:"templateId,omitempty"`
	Quality          quality.Report                 `json:"quality"`
	Anchors          map[string]anchor.Anchor       `json:"anchors"`
	ROIs             map[string]roi.ROI             `json:"rois"`
	Metrics          imageproc.Metrics              `json:"metrics"`
	Crops            map[string][]byte              `json:"-"`
	Artifacts        map[string]clients.ArtifactRef `json:"artifacts,omitempty"`
	SkippedFields    []string                       `json:"skippedFields,omitempty"`
	ProcessingTimeMs int64                          `json:"processingTimeMs"`
}

// DocumentProcessor handles anchor-based field extraction
type DocumentProcessor struct {
	config    *ProcessorConfig
	validator quality.Validator
	rois      *roi.Generator
	client    *http.Client
	logger    *logging.Logger
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("processor config is required")
	}
	if cfg.Templates == nil {
		return nil, fmt.Errorf("template source is required")
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("anchor detector is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.DownloadRetries <= 0 {
		cfg.DownloadRetries = 5
	}
	if cfg.DownloadBackoff <= 0 {
		cfg.DownloadBackoff = time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Processor")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	if cfg.Uploader == nil {
		log.Printf("WARNING: No artifact uploader configured - field crops will not be uploaded")
	}

	return &DocumentProcessor{
		config:    cfg,
		validator: quality.Validator{Threshold: cfg.QualityThreshold},
		rois:      roi.NewGenerator(logger),
		client:    client,
		logger:    logger,
	}, nil
}

// ProcessDocument extracts field regions from one document image
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()

	// Step 1: Load file data
	log.Printf("[Job %s] Step 1: Loading file (%s)", req.JobID, req.Filename)
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, apperrors.WithJobID(err, req.JobID)
	}

	// Step 2: Detect actual MIME type from magic bytes
	mimeType := imageproc.DetectMimeType(fileData)
	if mimeType != req.MimeType {
		log.Printf("[Job %s] Corrected MIME type from '%s' to '%s' (magic byte detection)",
			req.JobID, req.MimeType, mimeType)
	}
	if !imageproc.IsSupportedImage(mimeType) {
		return nil, apperrors.NewUnsupportedFormatError(req.JobID, mimeType)
	}

	// Step 3: Resolve template
	log.Printf("[Job %s] Step 3: Resolving template for document type %q", req.JobID, req.DocumentType)
	tmpl, ok := p.config.Templates.Get(req.DocumentType)
	if !ok {
		return nil, apperrors.NewTemplateNotFoundError(req.JobID, req.DocumentType)
	}

	// Step 4: Decode, assess, normalise
	log.Printf("[Job %s] Step 4: Decoding image (%d bytes, %s)", req.JobID, len(fileData), mimeType)
	img, err := imageproc.Decode(fileData, "decode")
	if err != nil {
		return nil, apperrors.WithJobID(err, req.JobID)
	}
	metrics := imageproc.Assess(img)
	log.Printf("[Job %s] Image %dx%d: brightness=%.1f, contrast=%.1f",
		req.JobID, metrics.Width, metrics.Height, metrics.Brightness, metrics.Contrast)

	detectImg := img
	if p.config.Preprocess {
		detectImg = imageproc.Preprocess(img, p.config.PreprocessOptions)
	}

	// Step 5: Detect anchors and validate coverage
	log.Printf("[Job %s] Step 5: Detecting anchors", req.JobID)
	detection, err := p.config.Detector.Detect(ctx, detectImg, tmpl)
	if err != nil {
		return nil, apperrors.WithJobID(err, req.JobID)
	}
	report := p.validator.Validate(detection.Anchors, tmpl)
	log.Printf("[Job %s] Anchor quality %.2f (valid=%t, missing=%v)",
		req.JobID, report.Quality, report.IsValid, report.Missing)

	// Step 6: Field ROIs and crops at full resolution
	log.Printf("[Job %s] Step 6: Generating field regions", req.JobID)
	rois := p.rois.Generate(detection.Anchors, tmpl,
		detection.SourceWidth, detection.SourceHeight, detection.ScaleFactor)
	crops, skipped := roi.CropAll(img, rois)
	for _, field := range skipped {
		p.logger.Warn("Skipping empty field region", "jobId", req.JobID, "field", field)
	}

	encoded := make(map[string][]byte, len(crops))
	for field, crop := range crops {
		data, err := imageproc.EncodePNG(crop)
		if err != nil {
			return nil, apperrors.WithJobID(err, req.JobID)
		}
		encoded[field] = data
	}

	// Step 7: Upload crops (non-fatal)
	artifacts := p.uploadCrops(ctx, req.JobID, encoded, rois)

	result := &ProcessResult{
		DocumentType:  req.DocumentType,
		TemplateID:    tmpl.ID,
		Quality:       report,
		Anchors:       detection.Anchors,
		ROIs:          rois,
		Metrics:       metrics,
		Crops:         encoded,
		Artifacts:     artifacts,
		SkippedFields: skipped,
	}

	// Step 8: Persist extraction result
	log.Printf("[Job %s] Step 8: Storing extraction result", req.JobID)
	out, err := p.config.Store.StoreExtraction(ctx, &storage.ExtractionInput{
		JobID:        req.JobID,
		DocumentType: req.DocumentType,
		TemplateID:   tmpl.ID,
		Quality:      report.Quality,
		IsValid:      report.IsValid,
		Anchors:      detection.Anchors,
		ROIs:         rois,
		Report:       report,
		Metrics:      metrics,
		Artifacts:    artifacts,
	})
	if err != nil {
		return nil, apperrors.NewStorageFailedError(req.JobID, err)
	}
	result.ResultID = out.ID
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Printf("[Job %s] Extraction complete: %d/%d anchors, %d regions, %d artifacts in %dms",
		req.JobID, len(report.Detected), len(report.Detected)+len(report.Missing),
		len(rois), len(artifacts), result.ProcessingTimeMs)

	return result, nil
}

// uploadCrops uploads each encoded crop. Failures are logged and skipped.
func (p *DocumentProcessor) uploadCrops(ctx context.Context, jobID string, crops map[string][]byte, rois map[string]roi.ROI) map[string]clients.ArtifactRef {
	if p.config.Uploader == nil || len(crops) == 0 {
		return nil
	}

	log.Printf("[Job %s] Step 7: Uploading %d field crops", jobID, len(crops))
	artifacts := make(map[string]clients.ArtifactRef, len(crops))
	for field, data := range crops {
		r := rois[field]
		ref, err := p.config.Uploader.UploadFieldCrop(ctx, jobID, field, data, map[string]interface{}{
			"anchor": r.Anchor,
			"roi":    map[string]int{"x": r.X, "y": r.Y, "width": r.Width, "height": r.Height},
		})
		if err != nil {
			log.Printf("[Job %s] WARNING: Failed to upload crop for field %s: %v", jobID, field, err)
			continue
		}
		artifacts[field] = *ref
	}
	return artifacts
}

// UpdateJobStatus updates the job status in PostgreSQL. Known metadata keys
// (quality, processingTime, resultId, documentType, error, error_code) map
// to columns; the rest is merged into the job's metadata.
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: map[string]interface{}{},
	}

	for k, v := range metadata {
		switch k {
		case "quality":
			update.Quality = toFloat(v)
		case "processingTime":
			update.ProcessingTimeMs = int64(toFloat(v))
		case "resultId":
			update.ResultID, _ = v.(string)
		case "documentType":
			update.DocumentType, _ = v.(string)
		case "error", "message":
			if s, ok := v.(string); ok && update.ErrorMessage == "" {
				update.ErrorMessage = s
			}
		case "error_code":
			update.ErrorCode, _ = v.(string)
		default:
			update.Metadata[k] = v
		}
	}
	if progress > 0 {
		update.Metadata["progress"] = progress
	}

	if err := p.config.Store.UpdateJobStatus(ctx, update); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

// loadFile returns the job's file data from its buffer or URL.
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		log.Printf("[Job %s] Using file buffer (%d bytes)", req.JobID, len(req.FileBuffer))
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize)
		}
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		log.Printf("[Job %s] Downloading file from URL: %s (fileSize=%d)", req.JobID, req.FileURL, req.FileSize)
		fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		log.Printf("[Job %s] File downloaded successfully (%d bytes)", req.JobID, len(fileData))
		return fileData, nil
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between attempts.
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	const maxBackoff = 32 * time.Second
	maxRetries := p.config.DownloadRetries

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(float64(p.config.DownloadBackoff) * math.Pow(2, float64(attempt-2)))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			log.Printf("[Job %s] Retrying in %v...", jobID, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		log.Printf("[Job %s] Download attempt %d/%d from: %s", jobID, attempt, maxRetries, fileURL)
		data, retryable, err := p.fetch(ctx, jobID, fileURL, expectedSize)
		if err == nil {
			return data, nil
		}
		lastErr = err
		log.Printf("[Job %s] Download attempt %d failed: %v", jobID, attempt, err)
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxRetries, lastErr)
}

func (p *DocumentProcessor) fetch(ctx context.Context, jobID, fileURL string, expectedSize int64) (data []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	contentLength := resp.ContentLength
	if contentLength > 0 && expectedSize > 0 && contentLength != expectedSize {
		log.Printf("[Job %s] WARNING: Content-Length mismatch. Expected=%d, Got=%d",
			jobID, expectedSize, contentLength)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && contentLength > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", contentLength, limit)
	}
	if limit <= 0 {
		limit = math.MaxInt64 - 1
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, true, fmt.Errorf("downloaded file is empty")
	}
	return data, false, nil
}
