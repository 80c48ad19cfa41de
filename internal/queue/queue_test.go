package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/processor"
	"github.com/adverant/nexus/docextract-worker/internal/quality"
)

func TestJobPayloadFileBufferFormats(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []byte
		wantErr bool
	}{
		{"base64", `{"jobId":"j","documentType":"dl","fileBuffer":"iVBORw=="}`, []byte{0x89, 'P', 'N', 'G'}, false},
		{"node buffer", `{"jobId":"j","fileBuffer":{"type":"Buffer","data":[137,80,78,71]}}`, []byte{0x89, 'P', 'N', 'G'}, false},
		{"absent", `{"jobId":"j","fileUrl":"http://x"}`, nil, false},
		{"bad base64", `{"fileBuffer":"***"}`, nil, true},
		{"wrong buffer type", `{"fileBuffer":{"type":"Blob","data":[1]}}`, nil, true},
		{"missing data", `{"fileBuffer":{"type":"Buffer"}}`, nil, true},
		{"byte out of range", `{"fileBuffer":{"type":"Buffer","data":[256]}}`, nil, true},
		{"number", `{"fileBuffer":42}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tt.body), &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.FileBuffer)
		})
	}
}

func TestJobPayloadCarriesDocumentType(t *testing.T) {
	in := JobPayload{JobID: "job-1", DocumentType: "driver-license", FileBuffer: []byte{1, 2, 3}}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fileBuffer":"AQID"`)

	var out JobPayload
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.JobID, out.JobID)
	assert.Equal(t, "driver-license", out.Request().DocumentType)
	assert.Equal(t, []byte{1, 2, 3}, out.Request().FileBuffer)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(apperrors.NewUnsupportedFormatError("j", "application/pdf")))
	assert.False(t, Retryable(apperrors.NewTemplateNotFoundError("j", "passport")))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", apperrors.NewImageLoadError("decode", nil))))
	assert.True(t, Retryable(apperrors.NewStorageFailedError("j", nil)))
	assert.True(t, Retryable(stderrors.New("connection reset")))
}

type statusCall struct {
	status   string
	metadata map[string]interface{}
	ctxErr   error
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   []statusCall
	process func(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error)
	handled chan string
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	res, err := f.process(ctx, req)
	if f.handled != nil {
		defer func() { f.handled <- req.JobID }()
	}
	return res, err
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, statusCall{status: status, metadata: metadata, ctxErr: ctx.Err()})
	return nil
}

func (f *fakeProcessor) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.status
	}
	return out
}

func succeeding(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	return &processor.ProcessResult{
		ResultID:     "res-" + req.JobID,
		DocumentType: req.DocumentType,
		Quality:      quality.Report{Quality: 0.75, IsValid: true, Detected: []string{"lic"}, Missing: []string{}},
	}, nil
}

func TestRunJobCompleted(t *testing.T) {
	proc := &fakeProcessor{process: succeeding}

	res, err := runJob(context.Background(), proc, &JobPayload{JobID: "j1", DocumentType: "dl"}, time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "res-j1", res.ResultID)

	assert.Equal(t, []string{"processing", "completed"}, proc.statuses())
	done := proc.calls[1].metadata
	assert.Equal(t, 0.75, done["quality"])
	assert.Equal(t, "res-j1", done["resultId"])
	assert.Equal(t, "dl", done["documentType"])
}

func TestRunJobFailureStatus(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		final bool
		want  string
	}{
		{"retryable, more attempts", stderrors.New("db down"), false, "retrying"},
		{"retryable, last attempt", stderrors.New("db down"), true, "failed"},
		{"bad input never retries", apperrors.NewTemplateNotFoundError("j", "passport"), false, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{process: func(context.Context, *processor.ProcessRequest) (*processor.ProcessResult, error) {
				return nil, tt.err
			}}
			_, err := runJob(context.Background(), proc, &JobPayload{JobID: "j"}, time.Second, tt.final)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, []string{"processing", tt.want}, proc.statuses())
			assert.Equal(t, tt.err.Error(), proc.calls[1].metadata["error"])
		})
	}
}

func TestRunJobTimeout(t *testing.T) {
	proc := &fakeProcessor{process: func(ctx context.Context, _ *processor.ProcessRequest) (*processor.ProcessResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := runJob(context.Background(), proc, &JobPayload{JobID: "slow"}, 20*time.Millisecond, true)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorProcessingTimeout, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, string(apperrors.ErrorProcessingTimeout), proc.calls[1].metadata["error_code"])
}

func TestRunJobCancelledStillRecordsStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcessor{process: func(pctx context.Context, _ *processor.ProcessRequest) (*processor.ProcessResult, error) {
		cancel()
		<-pctx.Done()
		return nil, pctx.Err()
	}}

	_, err := runJob(ctx, proc, &JobPayload{JobID: "j"}, time.Minute, true)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"processing", "retrying"}, proc.statuses(), "a cancelled job goes back on the queue")
	assert.NoError(t, proc.calls[1].ctxErr, "status write must not inherit the cancellation")
}

func TestConsumerConfigValidation(t *testing.T) {
	proc := &fakeProcessor{process: succeeding}

	_, err := NewRedisConsumer(&RedisConsumerConfig{Processor: proc})
	assert.ErrorContains(t, err, "RedisURL")
	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://localhost:6379"})
	assert.ErrorContains(t, err, "Processor")
	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "://bad", Processor: proc})
	assert.ErrorContains(t, err, "parse")
	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://localhost:6379", Processor: proc, PollInterval: 500 * time.Millisecond})
	assert.ErrorContains(t, err, "PollInterval")

	_, err = NewConsumer(&ConsumerConfig{QueueName: "q", Processor: proc})
	assert.ErrorContains(t, err, "RedisURL")
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Processor: proc})
	assert.ErrorContains(t, err, "QueueName")
}

func TestNewExtractTask(t *testing.T) {
	task, err := NewExtractTask(&JobPayload{JobID: "j", DocumentType: "dl", FileBuffer: []byte{9}})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeExtractDocument, task.Type())

	var back JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, []byte{9}, back.FileBuffer)
}

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,

		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = server.Terminate(context.Background()) })

	endpoint, err := server.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint + "/0"
}

func TestRedisConsumerProcessesAndRetries(t *testing.T) {
	url := startRedis(t)

	attempts := map[string]int{}
	var mu sync.Mutex
	proc := &fakeProcessor{
		handled: make(chan string, 8),
		process: func(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
			mu.Lock()
			attempts[req.JobID]++
			n := attempts[req.JobID]
			mu.Unlock()
			switch {
			case req.JobID == "flaky" && n == 1:
				return nil, stderrors.New("transient")
			case req.JobID == "bad":
				return nil, apperrors.NewTemplateNotFoundError(req.JobID, req.DocumentType)
			}
			return succeeding(ctx, req)
		},
	}

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:     url,
		QueueName:    "test:jobs",
		Concurrency:  2,
		Processor:    proc,
		PollInterval: time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, id := range []string{"ok", "flaky", "bad"} {
		require.NoError(t, consumer.Enqueue(ctx, &RedisJobData{
			Payload:    JobPayload{JobID: id, DocumentType: "dl", FileBuffer: []byte{1}},
			MaxRetries: 3,
		}))
	}

	require.NoError(t, consumer.Start())
	for i := 0; i < 4; i++ {
		select {
		case <-proc.handled:
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	require.Eventually(t, func() bool {
		stats, err := consumer.GetStats(ctx)
		return err == nil && stats["completed"] == 2 && stats["failed"] == 1
	}, 10*time.Second, 50*time.Millisecond)

	stats, err := consumer.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["waiting"])
	assert.Equal(t, int64(0), stats["processing"])

	result, err := consumer.client.HGet(ctx, "test:jobs:results", "flaky").Result()
	require.NoError(t, err)
	assert.Contains(t, result, `"resultId":"res-flaky"`)

	mu.Lock()
	assert.Equal(t, map[string]int{"ok": 1, "flaky": 2, "bad": 1}, attempts)
	mu.Unlock()

	require.NoError(t, consumer.Stop())
}

// blockingProcessor signals started once ProcessDocument is entered, then
// waits for release or cancellation.
func blockingProcessor(started chan<- string, release <-chan struct{}) *fakeProcessor {
	return &fakeProcessor{process: func(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
		started <- req.JobID
		select {
		case <-release:
			return succeeding(ctx, req)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func inspect(t *testing.T, url string) *redis.Client {
	t.Helper()
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisConsumerStopRequeuesInterruptedJob(t *testing.T) {
	url := startRedis(t)

	started := make(chan string, 1)
	proc := blockingProcessor(started, nil)

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:        url,
		QueueName:       "stop:jobs",
		Concurrency:     1,
		Processor:       proc,
		PollInterval:    time.Second,
		ShutdownTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, consumer.Enqueue(ctx, &RedisJobData{
		Payload:    JobPayload{JobID: "j1", DocumentType: "dl", FileBuffer: []byte{1}},
		MaxRetries: 1,
	}))
	require.NoError(t, consumer.Start())

	select {
	case <-started:
	case <-time.After(30 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, consumer.Stop())

	rdb := inspect(t, url)
	waiting, err := rdb.LRange(ctx, "stop:jobs", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, waiting)

	processing, err := rdb.SMembers(ctx, "stop:jobs:processing").Result()
	require.NoError(t, err)
	assert.Empty(t, processing)

	failed, err := rdb.SMembers(ctx, "stop:jobs:failed").Result()
	require.NoError(t, err)
	assert.Empty(t, failed, "final attempt is not spent by a shutdown")

	data, err := rdb.HGet(ctx, "stop:jobs:data", "j1").Result()
	require.NoError(t, err)
	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(data), &job))
	assert.Equal(t, 0, job.Attempts)

	statuses := proc.statuses()
	assert.Equal(t, "retrying", statuses[len(statuses)-1])
}

func TestRedisConsumerStopWaitsForInFlightJob(t *testing.T) {
	url := startRedis(t)

	started := make(chan string, 1)
	release := make(chan struct{})
	proc := blockingProcessor(started, release)

	consumer, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:        url,
		QueueName:       "drain:jobs",
		Concurrency:     1,
		Processor:       proc,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, consumer.Enqueue(ctx, &RedisJobData{
		Payload:    JobPayload{JobID: "j2", DocumentType: "dl", FileBuffer: []byte{1}},
		MaxRetries: 3,
	}))
	require.NoError(t, consumer.Start())

	select {
	case <-started:
	case <-time.After(30 * time.Second):
		t.Fatal("job never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- consumer.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	rdb := inspect(t, url)
	completed, err := rdb.SMembers(ctx, "drain:jobs:completed").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, completed)

	processing, err := rdb.SCard(ctx, "drain:jobs:processing").Result()
	require.NoError(t, err)
	assert.Zero(t, processing)
	assert.Equal(t, "completed", proc.statuses()[len(proc.statuses())-1])
}
