/**
 * Asynq Queue Consumer for DocExtract Worker
 *
 * Alternative to the direct Redis LIST consumer for deployments that enqueue
 * through asynq. Handles the "extract-document" task type; asynq owns retry
 * scheduling and the worker only reports status to PostgreSQL.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/docextract-worker/internal/processor"
	"github.com/hibiken/asynq"
)

// TaskTypeExtractDocument is the task type for anchor-based field extraction.
const TaskTypeExtractDocument = "extract-document"

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
	MaxRetry          int // default 3
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			// Exponential backoff: 5s, 10s, 20s ... capped at 60s
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, payload_bytes=%d, error=%v",
					task.Type(), len(task.Payload()), err)
			}),
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       mux,
		processor: cfg.Processor,
		config:    cfg,
	}

	mux.HandleFunc(TaskTypeExtractDocument, consumer.handleExtractDocument)

	return consumer, nil
}

// NewExtractTask builds an extract-document task for payload.
func NewExtractTask(payload *JobPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeExtractDocument, data), nil
}

// Enqueue submits payload to the consumer's queue.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewExtractTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetry),
		asynq.TaskID(payload.JobID),
	)
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting asynq consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	log.Printf("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	log.Printf("Queue consumer stopped")
	return nil
}

func (c *Consumer) handleExtractDocument(ctx context.Context, task *asynq.Task) error {
	var job JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if job.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			job.JobID = id
		}
	}

	final := true
	if retried, ok := asynq.GetRetryCount(ctx); ok {
		if maxRetry, ok := asynq.GetMaxRetry(ctx); ok {
			final = retried >= maxRetry
		}
	}

	if _, err := runJob(ctx, c.processor, &job, c.config.ProcessingTimeout, final); err != nil {
		if !Retryable(err) {
			return fmt.Errorf("document extraction failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document extraction failed: %w", err)
	}
	return nil
}
