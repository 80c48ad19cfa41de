/**
 * DocExtract Worker - Main Entry Point
 *
 * Go worker for anchor-based field extraction from document photos
 * (driver licences, registration certificates, ...).
 *
 * Architecture:
 * - Redis LIST or asynq consumer for the extraction job queue
 * - Pooled Tesseract engines locate template anchors on a downscaled copy
 * - Field ROIs are derived at full resolution and cropped to PNG
 * - Crops are uploaded to the artifact API, results persisted in PostgreSQL
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/docextract-worker/internal/anchor"
	"github.com/adverant/nexus/docextract-worker/internal/clients"
	"github.com/adverant/nexus/docextract-worker/internal/config"
	"github.com/adverant/nexus/docextract-worker/internal/imageproc"
	"github.com/adverant/nexus/docextract-worker/internal/logging"
	"github.com/adverant/nexus/docextract-worker/internal/ocr"
	"github.com/adverant/nexus/docextract-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/docextract-worker/internal/processor"
	"github.com/adverant/nexus/docextract-worker/internal/queue"
	"github.com/adverant/nexus/docextract-worker/internal/storage"
	"github.com/adverant/nexus/docextract-worker/internal/template"
	"github.com/joho/godotenv"
)

// consumer is the lifecycle shared by both queue backends.
type consumer interface {
	start() error
	stop() error
}

type redisBackend struct{ c *queue.RedisConsumer }

func (b redisBackend) start() error { return b.c.Start() }
func (b redisBackend) stop() error  { return b.c.Stop() }

type asynqBackend struct{ c *queue.Consumer }

func (b asynqBackend) start() error { return b.c.Start(context.Background()) }
func (b asynqBackend) stop() error  { return b.c.Stop(context.Background()) }

func main() {
	if err := godotenv.Load(".env.docextract"); err != nil {
		log.Printf("Warning: .env.docextract not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("DocExtract Worker starting...")
	log.Printf("Configuration loaded: Queue=%s (%s), Workers=%d, OCRPool=%d, Templates=%s",
		cfg.QueueName, cfg.QueueBackend, cfg.WorkerConcurrency, cfg.OCRPoolSize, cfg.TemplateDir)

	// Templates
	registry := template.NewRegistry(logging.NewLogger("Templates"))
	loaded, err := registry.LoadDir(cfg.TemplateDir)
	if err != nil {
		log.Fatalf("Failed to load templates from %s: %v", cfg.TemplateDir, err)
	}
	if loaded == 0 {
		log.Printf("WARNING: No templates found in %s - every job will fail with TEMPLATE_NOT_FOUND", cfg.TemplateDir)
	}
	log.Printf("Loaded %d templates: %v", loaded, registry.DocumentTypes())

	// OCR engine pool
	pool, err := ocr.NewPool(tesseract.Factory(cfg.OCRLanguage), cfg.OCRPoolSize,
		ocr.WithLogger(logging.NewLogger("OCRPool")))
	if err != nil {
		log.Fatalf("Failed to create OCR pool: %v", err)
	}
	if err := warmUp(pool); err != nil {
		log.Fatalf("Failed to initialise Tesseract (%s): %v", cfg.OCRLanguage, err)
	}
	log.Printf("OCR pool ready (size=%d, language=%s)", cfg.OCRPoolSize, cfg.OCRLanguage)

	detector, err := anchor.NewDetector(pool, anchor.Options{ScaleFactor: cfg.AnchorScaleFactor},
		logging.NewLogger("AnchorDetector"))
	if err != nil {
		log.Fatalf("Failed to create anchor detector: %v", err)
	}

	// Storage
	log.Printf("Connecting to PostgreSQL...")
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize storage manager: %v", err)
	}
	log.Printf("Storage manager initialized")

	// Artifact uploads (optional)
	var uploader processor.CropUploader
	if cfg.ArtifactAPIURL != "" {
		artifacts := clients.NewArtifactClient(cfg.ArtifactAPIURL,
			clients.WithUploadRate(cfg.ArtifactUploadRate, cfg.WorkerConcurrency))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := artifacts.HealthCheck(ctx); err != nil {
			log.Printf("WARNING: Artifact API health check failed: %v", err)
		}
		cancel()
		uploader = artifacts
	}

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Templates:         registry,
		Detector:          detector,
		Store:             storageManager,
		Uploader:          uploader,
		MaxFileSize:       cfg.MaxFileSize,
		QualityThreshold:  &cfg.QualityThreshold,
		Preprocess:        cfg.PreprocessEnabled,
		PreprocessOptions: imageproc.DefaultOptions(),
		Logger:            logging.NewLogger("Processor"),
	})
	if err != nil {
		log.Fatalf("Failed to initialize document processor: %v", err)
	}

	queueConsumer, err := newConsumer(cfg, proc)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}
	if err := queueConsumer.start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("DocExtract Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("OCR engines: %d (%s)", cfg.OCRPoolSize, cfg.OCRLanguage)
	log.Printf("Anchor scale: %.2f, quality threshold: %.2f", cfg.AnchorScaleFactor, cfg.QualityThreshold)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	log.Printf("Stopping queue consumer...")
	if err := queueConsumer.stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}

	stats := pool.Stats()
	log.Printf("Closing OCR pool (created=%d, idle=%d)...", stats.Created, stats.Idle)
	if err := pool.Close(); err != nil {
		log.Printf("Error closing OCR pool: %v", err)
	}

	log.Printf("Closing storage manager...")
	if err := storageManager.Close(); err != nil {
		log.Printf("Error closing storage manager: %v", err)
	}

	log.Printf("Shutdown complete")
}

func newConsumer(cfg *config.Config, proc processor.DocumentProcessorInterface) (consumer, error) {
	timeout := time.Duration(cfg.ProcessingTimeout) * time.Millisecond

	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return asynqBackend{c}, nil

	case config.QueueBackendRedis:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return redisBackend{c}, nil
	}

	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// warmUp creates one engine up front so a missing language pack fails at
// startup instead of on the first job.
func warmUp(pool *ocr.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return pool.Do(ctx, func(ocr.Engine) error { return nil })
}
