/**
 * Configuration for DocExtract Worker
 *
 * Loads configuration from environment variables (optionally seeded from a
 * .env file by cmd/worker).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (job queue for both backends)
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Service URLs
	ArtifactAPIURL     string  // optional; crops are not uploaded when empty
	ArtifactUploadRate float64 // uploads per second, 0 = unlimited

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds

	// Extraction pipeline
	TemplateDir       string
	OCRPoolSize       int
	OCRLanguage       string
	AnchorScaleFactor float64
	QualityThreshold  float64
	PreprocessEnabled bool

	// Node environment
	NodeEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueBackend:       strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "docextract:jobs"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ArtifactAPIURL:     getEnvOrDefault("ARTIFACT_API_URL", ""),
		ArtifactUploadRate: getEnvAsFloatOrDefault("ARTIFACT_UPLOAD_RATE", 0),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:        getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800),  // 50MB
		ProcessingTimeout:  getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		TemplateDir:        getEnvOrDefault("TEMPLATE_DIR", "/etc/docextract/templates"),
		OCRPoolSize:        getEnvAsIntOrDefault("OCR_POOL_SIZE", 2),
		OCRLanguage:        getEnvOrDefault("OCR_LANGUAGE", "eng"),
		AnchorScaleFactor:  getEnvAsFloatOrDefault("ANCHOR_SCALE_FACTOR", 0.5),
		QualityThreshold:   getEnvAsFloatOrDefault("QUALITY_THRESHOLD", 0.6),
		// Off by default: the stock contrast setting inverts most photographs.
		PreprocessEnabled:  getEnvAsBoolOrDefault("PREPROCESS_ENABLED", false),
		NodeEnv:            getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	if c.TemplateDir == "" {
		return fmt.Errorf("TEMPLATE_DIR is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.OCRPoolSize < 1 || c.OCRPoolSize > 64 {
		return fmt.Errorf("OCR_POOL_SIZE must be between 1 and 64, got %d", c.OCRPoolSize)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.AnchorScaleFactor <= 0 || c.AnchorScaleFactor > 1 {
		return fmt.Errorf("ANCHOR_SCALE_FACTOR must be in (0, 1], got %v", c.AnchorScaleFactor)
	}

	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("QUALITY_THRESHOLD must be in [0, 1], got %v", c.QualityThreshold)
	}

	if c.ArtifactUploadRate < 0 {
		return fmt.Errorf("ARTIFACT_UPLOAD_RATE must not be negative, got %v", c.ArtifactUploadRate)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
