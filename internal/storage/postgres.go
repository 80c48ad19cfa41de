/**
 * PostgreSQL Client for DocExtract Worker
 *
 * Handles database operations for job tracking and extraction results.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"
)

// Schema holds every table the worker writes.
const Schema = "docextract"

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Quality          float64
	ProcessingTimeMs int64
	ResultID         string
	ErrorCode        string
	ErrorMessage     string
	DocumentType     string
	Metadata         map[string]interface{}
}

// ExtractionRecord is one persisted extraction result. The JSON columns hold
// whatever the processor serialised (anchors, rois, quality report, metrics).
type ExtractionRecord struct {
	ID           string
	JobID        string
	DocumentType string
	TemplateID   string
	Quality      float64
	IsValid      bool
	Anchors      json.RawMessage
	ROIs         json.RawMessage
	Report       json.RawMessage
	Metrics      json.RawMessage
	Artifacts    json.RawMessage
	CreatedAt    time.Time
}

// sanitizeConfidence rounds a score to 4 decimal places and clamps it to [0, 1].
// NUMERIC(5,4) columns reject values such as 0.9632000000000001.
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the worker's schema and tables if they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + Schema,
		`CREATE TABLE IF NOT EXISTS ` + Schema + `.processing_jobs (
			id                 UUID PRIMARY KEY,
			document_type      TEXT,
			status             TEXT NOT NULL,
			quality            NUMERIC(5,4),
			processing_time_ms BIGINT,
			result_id          UUID,
			error_code         TEXT,
			error_message      TEXT,
			metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + Schema + `.extraction_results (
			id            UUID PRIMARY KEY,
			job_id        UUID NOT NULL,
			document_type TEXT NOT NULL,
			template_id   TEXT,
			quality       NUMERIC(5,4) NOT NULL,
			is_valid      BOOLEAN NOT NULL,
			anchors       JSONB NOT NULL,
			rois          JSONB NOT NULL,
			report        JSONB NOT NULL,
			metrics       JSONB NOT NULL,
			artifacts     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS extraction_results_job_id_idx ON ` + Schema + `.extraction_results (job_id)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// UpdateJobStatus updates job status in the database
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	quality := sanitizeConfidence(update.Quality)

	// Convert metadata to JSONB
	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	// UPSERT so the worker can create the job row if the API has not yet.
	query := `
		INSERT INTO docextract.processing_jobs (
			id, document_type, status, quality, processing_time_ms, result_id,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document_type = COALESCE(EXCLUDED.document_type, docextract.processing_jobs.document_type),
			quality = COALESCE(EXCLUDED.quality, docextract.processing_jobs.quality),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, docextract.processing_jobs.processing_time_ms),
			result_id = COALESCE(EXCLUDED.result_id, docextract.processing_jobs.result_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = docextract.processing_jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1 - id
		update.DocumentType,     // $2 - document_type
		update.Status,           // $3 - status
		quality,                 // $4 - quality (sanitized to 4 decimals)
		update.ProcessingTimeMs, // $5 - processing_time_ms
		update.ResultID,         // $6 - result_id
		update.ErrorCode,        // $7 - error_code
		update.ErrorMessage,     // $8 - error_message
		string(metadataJSON),    // $9 - metadata
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, quality=%.4f): %w",
			update.JobID, update.Status, quality, err)
	}

	return nil
}

// InsertExtraction stores one extraction result row.
func (p *PostgresClient) InsertExtraction(ctx context.Context, rec *ExtractionRecord) (time.Time, error) {
	query := `
		INSERT INTO docextract.extraction_results (
			id, job_id, document_type, template_id, quality, is_valid,
			anchors, rois, report, metrics, artifacts, created_at
		) VALUES (
			$1::uuid, $2::uuid, $3, NULLIF($4, ''), $5::NUMERIC(5,4), $6,
			$7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, COALESCE($11::jsonb, '{}'::jsonb), NOW()
		)
		RETURNING created_at
	`

	var createdAt time.Time
	err := p.db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		rec.JobID,
		rec.DocumentType,
		rec.TemplateID,
		sanitizeConfidence(rec.Quality),
		rec.IsValid,
		jsonOrEmpty(rec.Anchors),
		jsonOrEmpty(rec.ROIs),
		jsonOrEmpty(rec.Report),
		jsonOrEmpty(rec.Metrics),
		jsonOrEmpty(rec.Artifacts),
	).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store extraction result: %w", err)
	}
	return createdAt, nil
}

// GetExtraction retrieves an extraction result by ID.
func (p *PostgresClient) GetExtraction(ctx context.Context, id string) (*ExtractionRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("extraction ID is required")
	}

	query := `
		SELECT id, job_id, document_type, COALESCE(template_id, ''), quality, is_valid,
		       anchors, rois, report, metrics, artifacts, created_at
		FROM docextract.extraction_results
		WHERE id = $1::uuid
	`

	var (
		rec                                      ExtractionRecord
		anchors, rois, report, metrics, artifacts []byte
	)
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.JobID, &rec.DocumentType, &rec.TemplateID, &rec.Quality, &rec.IsValid,
		&anchors, &rois, &report, &metrics, &artifacts, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("extraction result not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extraction result: %w", err)
	}

	rec.Anchors = anchors
	rec.ROIs = rois
	rec.Report = report
	rec.Metrics = metrics
	rec.Artifacts = artifacts
	return &rec, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, document_type, status, quality, processing_time_ms, result_id,
			error_code, error_message, metadata, created_at, updated_at
		FROM docextract.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		id, status              string
		documentType, resultID  sql.NullString
		errorCode, errorMessage sql.NullString
		quality                 sql.NullFloat64
		processingTimeMs        sql.NullInt64
		metadataJSON            []byte
		createdAt, updatedAt    time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &documentType, &status, &quality, &processingTimeMs, &resultID,
		&errorCode, &errorMessage, &metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	// Parse metadata
	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if documentType.Valid {
		result["documentType"] = documentType.String
	}
	if quality.Valid {
		result["quality"] = quality.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if resultID.Valid {
		result["resultId"] = resultID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func jsonOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(sanitizeJSONForPostgres(raw))
}
