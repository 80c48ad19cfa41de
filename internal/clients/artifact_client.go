/**
 * Artifact Client for DocExtract Worker
 *
 * Uploads per-field crops to the artifact API so reviewers and downstream
 * per-field OCR can fetch them by ID.
 *
 * Upload flow:
 * 1. Worker crops each ROI and encodes it as PNG
 * 2. Worker calls the artifact API /api/files/upload endpoint (multipart)
 * 3. API returns artifact ID and download URL
 * 4. Worker stores the references with the extraction result
 *
 * Uploads share one token-bucket limiter so a document with many fields
 * cannot flood the artifact API.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// SourceService identifies this worker to the artifact API.
const SourceService = "docextract-worker"

// ArtifactClient handles communication with the artifact API
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ArtifactOption configures an ArtifactClient.
type ArtifactOption func(*ArtifactClient)

// WithUploadRate limits uploads to perSecond with the given burst. A
// non-positive rate leaves uploads unlimited.
func WithUploadRate(perSecond float64, burst int) ArtifactOption {
	return func(c *ArtifactClient) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ArtifactOption {
	return func(c *ArtifactClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer    []byte                 // File content
	Filename      string                 // Original filename
	MimeType      string                 // MIME type (e.g., image/png)
	SourceService string                 // Service creating the artifact
	SourceID      string                 // Source identifier (job ID)
	TTLDays       int                    // Time-to-live in days (0 = 30 days)
	Metadata      map[string]interface{} // Additional metadata (field, anchor, roi)
}

// Artifact describes a stored artifact
type Artifact struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	MimeType       string `json:"mime_type"`
	StorageBackend string `json:"storage_backend"`
	DownloadURL    string `json:"download_url"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool     `json:"success"`
	Artifact Artifact `json:"artifact,omitempty"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ArtifactRef is the part of an artifact stored alongside extraction results.
type ArtifactRef struct {
	ID          string `json:"id"`
	DownloadURL string `json:"downloadUrl"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string, opts ...ArtifactOption) *ArtifactClient {
	c := &ArtifactClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HealthCheck verifies the artifact API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// UploadFieldCrop uploads one field crop (PNG) for a job.
func (c *ArtifactClient) UploadFieldCrop(ctx context.Context, jobID, field string, png []byte, metadata map[string]interface{}) (*ArtifactRef, error) {
	meta := map[string]interface{}{"field": field}
	for k, v := range metadata {
		meta[k] = v
	}

	resp, err := c.UploadArtifact(ctx, &ArtifactUploadRequest{
		FileBuffer:    png,
		Filename:      fmt.Sprintf("%s_%s.png", jobID, field),
		MimeType:      "image/png",
		SourceService: SourceService,
		SourceID:      jobID,
		Metadata:      meta,
	})
	if err != nil {
		return nil, err
	}
	return &ArtifactRef{ID: resp.Artifact.ID, DownloadURL: resp.Artifact.DownloadURL}, nil
}

// UploadArtifact uploads a file to artifact storage
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}

	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}

	if req.SourceService == "" {
		return nil, fmt.Errorf("source_service is required: identifies the service creating this artifact")
	}

	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required: identifies the job creating this artifact")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("artifact upload rate limit wait: %w", err)
	}

	body, contentType, err := buildUploadForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/upload", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}

	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}

	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	log.Printf("[ArtifactClient] Artifact uploaded: id=%s, filename=%s, size=%d bytes, duration=%v",
		result.Artifact.ID, req.Filename, len(req.FileBuffer), time.Since(startTime))

	return &result, nil
}

func buildUploadForm(req *ArtifactUploadRequest) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, "", fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = 30
	}

	fields := [][2]string{
		{"source_service", req.SourceService},
		{"source_id", req.SourceID},
		{"mime_type", req.MimeType},
		{"ttl_days", fmt.Sprintf("%d", ttlDays)},
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		fields = append(fields, [2]string{"metadata", string(metadataJSON)})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}
