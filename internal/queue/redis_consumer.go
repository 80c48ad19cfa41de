/**
 * Direct Redis Queue Consumer for DocExtract Worker
 *
 * Compatible with the TypeScript RedisQueue producer:
 * - job IDs are LPUSHed onto <queue>, job bodies live in the <queue>:data hash
 * - workers BRPOP IDs and track them in <queue>:processing|completed|failed sets
 * - results and errors go to the <queue>:results and <queue>:errors hashes
 * - lifecycle events are published on <queue>:events
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adverant/nexus/docextract-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the API enqueues extraction jobs on.
const DefaultQueueName = "docextract:jobs"

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	ctx       context.Context // polling; cancelled first on Stop
	cancel    context.CancelFunc
	jobCtx    context.Context // in-flight jobs; cancelled after ShutdownTimeout
	jobCancel context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration
	PollInterval      time.Duration // BRPOP block time, default 5s, at least 1s
	ShutdownTimeout   time.Duration // grace period for in-flight jobs on Stop, default 30s
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	// BRPOP takes whole seconds; go-redis rounds anything shorter up.
	if cfg.PollInterval < time.Second {
		return nil, fmt.Errorf("PollInterval must be at least 1s, got %v", cfg.PollInterval)
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
		jobCtx:    jobCtx,
		jobCancel: jobCancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	log.Printf("Starting Redis queue consumer (concurrency=%d, queue=%s)...",
		c.config.Concurrency, c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	log.Println("Queue consumer started successfully")
	return nil
}

// Stop stops polling and waits up to ShutdownTimeout for in-flight jobs.
// Jobs still running after that are cancelled and put back on the queue
// without using up an attempt.
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.config.ShutdownTimeout):
		log.Printf("In-flight jobs still running after %v, cancelling them", c.config.ShutdownTimeout)
		c.jobCancel()
		<-done
	}
	c.jobCancel()

	return c.client.Close()
}

// Enqueue stores job under a new ID and pushes it on the queue, the way the
// API producer does.
func (c *RedisConsumer) Enqueue(ctx context.Context, job *RedisJobData) error {
	if job.ID == "" {
		job.ID = job.Payload.JobID
	}
	if job.Type == "" {
		job.Type = TaskTypeExtractDocument
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
			if err := c.processNextJob(); err != nil {
				if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				log.Printf("Worker %d error: %v", id, err)
				select {
				case <-time.After(time.Second):
				case <-c.ctx.Done():
				}
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue. Only the
// BRPOP watches the polling context; once a job is popped it runs on jobCtx and
// its bookkeeping on a detached context so Stop cannot strand it.
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollInterval, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	ctx, cancel := detached(c.jobCtx)
	defer cancel()

	jobData, err := c.client.HGet(ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(ctx, id, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == "" {
		job.ID = id
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = id
	}

	c.client.SAdd(ctx, c.key("processing"), id)
	c.publish(ctx, job.Payload.JobID, "processing")

	job.Attempts++
	final := job.Attempts >= job.MaxRetries

	processResult, err := runJob(c.jobCtx, c.processor, &job.Payload, c.config.ProcessingTimeout, final)

	// runJob may have run longer than the bookkeeping timeout.
	ctx, cancel = detached(c.jobCtx)
	defer cancel()

	if err != nil {
		interrupted := c.jobCtx.Err() != nil
		if interrupted {
			job.Attempts--
		}
		if interrupted || (!final && Retryable(err)) {
			if err := c.requeue(ctx, &job); err != nil {
				return err
			}
			if interrupted {
				log.Printf("Job %s interrupted by shutdown, re-queued (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
			} else {
				log.Printf("Job %s re-queued for retry (attempt %d/%d)", job.Payload.JobID, job.Attempts, job.MaxRetries)
			}
			return nil
		}

		c.markFailed(ctx, id, map[string]interface{}{
			"jobId":    job.Payload.JobID,
			"error":    err.Error(),
			"attempts": job.Attempts,
		})
		c.publish(ctx, job.Payload.JobID, "failed")
		return nil
	}

	resultData, _ := json.Marshal(processResult)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), id)
		pipe.SAdd(ctx, c.key("completed"), id)
		pipe.HSet(ctx, c.key("results"), id, resultData)
		return nil
	})
	if err != nil {
		log.Printf("[Job %s] Warning: Failed to record completion in Redis: %v", job.Payload.JobID, err)
	}
	c.publish(ctx, job.Payload.JobID, "completed")
	log.Printf("Job %s completed successfully", job.Payload.JobID)
	return nil
}

// requeue stores the updated attempt count and pushes the job back on the queue.
func (c *RedisConsumer) requeue(ctx context.Context, job *RedisJobData) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), job.ID)
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to re-queue job %s: %w", job.ID, err)
	}
	return nil
}

func (c *RedisConsumer) markFailed(ctx context.Context, id string, details map[string]interface{}) {
	errorData, _ := json.Marshal(details)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.key("processing"), id)
		pipe.SAdd(ctx, c.key("failed"), id)
		pipe.HSet(ctx, c.key("errors"), id, errorData)
		return nil
	})
	if err != nil {
		log.Printf("[Job %s] Warning: Failed to record failure in Redis: %v", id, err)
	}
}

// publish emits a lifecycle event for WebSocket streaming.
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.key("events"), eventData)
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
