/**
 * Storage Manager for DocExtract Worker
 *
 * Front for PostgreSQL: job status tracking and extraction results.
 * Serialises pipeline output into JSONB columns and assigns result IDs.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// StorageManager coordinates job and extraction persistence
type StorageManager struct {
	postgres *PostgresClient
}

// ExtractionInput represents input for storing an extraction result. Each
// payload field is marshalled to JSON as-is.
type ExtractionInput struct {
	JobID        string
	DocumentType string
	TemplateID   string
	Quality      float64
	IsValid      bool
	Anchors      interface{}
	ROIs         interface{}
	Report       interface{}
	Metrics      interface{}
	Artifacts    interface{}
}

// ExtractionOutput represents a stored extraction result
type ExtractionOutput struct {
	ID        string
	JobID     string
	CreatedAt time.Time
}

// NewStorageManager connects to PostgreSQL and makes sure the schema exists.
func NewStorageManager(postgresURL string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	return &StorageManager{postgres: postgres}, nil
}

// StoreExtraction persists one extraction result and returns its new ID.
func (sm *StorageManager) StoreExtraction(ctx context.Context, input *ExtractionInput) (*ExtractionOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	rec, err := buildExtractionRecord(uuid.New().String(), input)
	if err != nil {
		return nil, err
	}

	createdAt, err := sm.postgres.InsertExtraction(ctx, rec)
	if err != nil {
		return nil, err
	}

	return &ExtractionOutput{
		ID:        rec.ID,
		JobID:     rec.JobID,
		CreatedAt: createdAt,
	}, nil
}

// GetExtraction retrieves a stored extraction result
func (sm *StorageManager) GetExtraction(ctx context.Context, id string) (*ExtractionRecord, error) {
	return sm.postgres.GetExtraction(ctx, id)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// GetStats returns connection pool statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	pgStats := sm.postgres.GetStats()
	return map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	if sm.postgres != nil {
		if err := sm.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

func buildExtractionRecord(id string, input *ExtractionInput) (*ExtractionRecord, error) {
	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if input.DocumentType == "" {
		return nil, fmt.Errorf("document type is required")
	}

	rec := &ExtractionRecord{
		ID:           id,
		JobID:        input.JobID,
		DocumentType: input.DocumentType,
		TemplateID:   input.TemplateID,
		Quality:      sanitizeConfidence(input.Quality),
		IsValid:      input.IsValid,
	}

	columns := []struct {
		name  string
		value interface{}
		dst   *json.RawMessage
	}{
		{"anchors", input.Anchors, &rec.Anchors},
		{"rois", input.ROIs, &rec.ROIs},
		{"report", input.Report, &rec.Report},
		{"metrics", input.Metrics, &rec.Metrics},
		{"artifacts", input.Artifacts, &rec.Artifacts},
	}
	for _, col := range columns {
		if col.value == nil {
			*col.dst = json.RawMessage("{}")
			continue
		}
		data, err := json.Marshal(col.value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", col.name, err)
		}
		if string(data) == "null" {
			data = []byte("{}")
		}
		*col.dst = sanitizeJSONForPostgres(data)
	}

	return rec, nil
}

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects:
// \u0000 is dropped and other control characters become spaces.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}
