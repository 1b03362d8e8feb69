/**
 * Direct Redis Queue Consumer for the TextRealign Worker
 *
 * Compatible with the TypeScript RedisQueue implementation.
 * Uses simple Redis LIST operations for perfect compatibility.
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

	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/redis/go-redis/v9"
)

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
	keys      queueKeys
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout time.Duration // default: 5 minutes
}

// queueKeys are the Redis keys derived from the queue name
type queueKeys struct {
	list       string
	data       string
	processing string
	completed  string
	failed     string
	results    string
	errors     string
	events     string
}

func newQueueKeys(queue string) queueKeys {
	return queueKeys{
		list:       queue,
		data:       queue + ":data",
		processing: queue + ":processing",
		completed:  queue + ":completed",
		failed:     queue + ":failed",
		results:    queue + ":results",
		errors:     queue + ":errors",
		events:     queue + ":events",
	}
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "textrealign:jobs"
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		keys:      newQueueKeys(cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    cancel,
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

// Stop gracefully stops the consumer, letting in-flight jobs finish
func (c *RedisConsumer) Stop() error {
	log.Println("Stopping queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-c.ctx.Done():
			log.Printf("Worker %d stopping", id)
			return
		default:
		}

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

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.keys.list).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queueID := result[1]

	// In-flight jobs finish even when the consumer is stopping
	ctx := context.WithoutCancel(c.ctx)

	jobData, err := c.client.HGet(ctx, c.keys.data, queueID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", queueID, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(ctx, queueID, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", queueID, err)
	}
	if job.ID == "" {
		job.ID = queueID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if err := job.Payload.Validate(); err != nil {
		c.markFailed(ctx, job.Payload.JobID, map[string]interface{}{"error": err.Error()})
		return err
	}

	c.handleJob(ctx, &job)
	return nil
}

// handleJob runs one job and records its outcome
func (c *RedisConsumer) handleJob(ctx context.Context, job *RedisJobData) {
	jobID := job.Payload.JobID
	start := time.Now()

	// Creates the job row if it does not exist yet
	if err := c.processor.UpdateJobStatus(ctx, jobID, "processing", 0, map[string]interface{}{
		"filename": job.Payload.Filename,
		"mimeType": job.Payload.MimeType,
		"fileSize": job.Payload.FileSize,
		"userId":   job.Payload.UserID,
	}); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", jobID, err)
	}
	c.client.SAdd(ctx, c.keys.processing, jobID)
	c.publish(ctx, jobID, "processing")

	log.Printf("Processing job %s: %s", jobID, job.Payload.Filename)
	result, err := processWithTimeout(ctx, c.processor, &job.Payload, c.config.ProcessingTimeout)
	if err == nil {
		c.markCompleted(ctx, jobID, result)
		log.Printf("Job %s completed successfully", jobID)
		return
	}

	log.Printf("Job %s failed: %v", jobID, err)
	job.Attempts++
	if retryable(err) && job.Attempts < job.MaxRetries {
		updatedData, _ := json.Marshal(job)
		c.client.HSet(ctx, c.keys.data, job.ID, updatedData)
		c.client.LPush(ctx, c.keys.list, job.ID)
		c.client.SRem(ctx, c.keys.processing, jobID)
		log.Printf("Job %s re-queued for retry (attempt %d/%d)", jobID, job.Attempts, job.MaxRetries)
		return
	}

	metadata := FailedMetadata(err, time.Since(start), job.Attempts)
	if uerr := c.processor.UpdateJobStatus(ctx, jobID, "failed", 100, metadata); uerr != nil {
		log.Printf("[Job %s] Warning: Failed to update status to failed: %v", jobID, uerr)
	}
	c.markFailed(ctx, jobID, metadata)
}

func (c *RedisConsumer) markCompleted(ctx context.Context, jobID string, result *processor.ProcessResult) {
	c.client.SRem(ctx, c.keys.processing, jobID)
	c.client.SAdd(ctx, c.keys.completed, jobID)
	if resultData, err := json.Marshal(result); err == nil {
		c.client.HSet(ctx, c.keys.results, jobID, resultData)
	}

	if err := c.processor.UpdateJobStatus(ctx, jobID, "completed", 100, CompletedMetadata(result)); err != nil {
		log.Printf("[PostgreSQL] ERROR: Failed to update job status: %v", err)
	} else {
		log.Printf("[PostgreSQL] Job %s updated (confidence=%.2f, engine=%s, resultId=%s)",
			jobID, result.Confidence, result.OCREngine, result.ResultID)
	}
	c.publish(ctx, jobID, "completed")
}

func (c *RedisConsumer) markFailed(ctx context.Context, jobID string, metadata map[string]interface{}) {
	c.client.SRem(ctx, c.keys.processing, jobID)
	c.client.SAdd(ctx, c.keys.failed, jobID)
	if errorData, err := json.Marshal(metadata); err == nil {
		c.client.HSet(ctx, c.keys.errors, jobID, errorData)
	}
	c.publish(ctx, jobID, "failed")
}

// publish sends a job event for WebSocket streaming
func (c *RedisConsumer) publish(ctx context.Context, jobID, status string) {
	eventData, _ := json.Marshal(jobEvent(jobID, status, time.Now()))
	c.client.Publish(ctx, c.keys.events, eventData)
}

func jobEvent(jobID, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": at.Format(time.RFC3339),
	}
}

// Enqueue adds a job to the queue in the layout the consumer reads and
// returns its queue ID
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload, maxRetries int) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(&RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeRealignDocument,
		Payload:    *payload,
		CreatedAt:  time.Now(),
		MaxRetries: maxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.data, payload.JobID, data)
		pipe.LPush(ctx, c.keys.list, payload.JobID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return payload.JobID, nil
}

// GetStats returns the job counts of the queue
func (c *RedisConsumer) GetStats(ctx context.Context) (*QueueStats, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.keys.list)
	processing := pipe.SCard(ctx, c.keys.processing)
	completed := pipe.SCard(ctx, c.keys.completed)
	failed := pipe.SCard(ctx, c.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return &QueueStats{
		Backend:    "redis",
		Queue:      c.config.QueueName,
		Waiting:    waiting.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}
