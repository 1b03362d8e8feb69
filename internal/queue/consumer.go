/**
 * Asynq Queue Consumer for the TextRealign Worker
 *
 * Alternative backend to the plain Redis list consumer: jobs are Asynq
 * tasks of type "realign-document" carrying a JobPayload.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/hibiken/asynq"
)

// TaskTypeRealignDocument is the Asynq task type handled by Consumer
const TaskTypeRealignDocument = "realign-document"

// Consumer handles job consumption from an Asynq queue
type Consumer struct {
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
	ProcessingTimeout time.Duration // default: 5 minutes
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

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10, // Priority 10 for main queue
				"default":     1,  // Priority 1 for fallback
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task processing error: type=%s, payload=%d bytes, error=%v",
					task.Type(), len(task.Payload()), err)
			}),
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
	}
	consumer.mux.HandleFunc(TaskTypeRealignDocument, consumer.handleRealignDocument)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at one minute
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 4 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	log.Printf("Starting queue consumer (concurrency=%d, queue=%s)...",
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
	log.Printf("Queue consumer stopped")
	return nil
}

// handleRealignDocument processes a document realignment job
func (c *Consumer) handleRealignDocument(ctx context.Context, task *asynq.Task) error {
	start := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Job %s] Processing document: filename=%s, size=%d bytes, user=%s",
		payload.JobID, payload.Filename, payload.FileSize, payload.UserID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "processing", 0, nil); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to processing: %v", payload.JobID, err)
	}

	result, err := processWithTimeout(ctx, c.processor, &payload, c.config.ProcessingTimeout)
	if err != nil {
		retryCount, _ := asynq.GetRetryCount(ctx)
		metadata := FailedMetadata(err, time.Since(start), retryCount+1)
		if uerr := c.processor.UpdateJobStatus(ctx, payload.JobID, "failed", 100, metadata); uerr != nil {
			log.Printf("[Job %s] Warning: Failed to update status to failed: %v", payload.JobID, uerr)
		}

		if !retryable(err) {
			return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	log.Printf("[Job %s] Processing completed successfully in %v: confidence=%.2f, engine=%s, resultId=%s",
		payload.JobID, time.Since(start), result.Confidence, result.OCREngine, result.ResultID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "completed", 100, CompletedMetadata(result)); err != nil {
		log.Printf("[Job %s] Warning: Failed to update status to completed: %v", payload.JobID, err)
	}

	if w := task.ResultWriter(); w != nil {
		if data, err := json.Marshal(result); err == nil {
			if _, err := w.Write(data); err != nil {
				log.Printf("[Job %s] Warning: Failed to write task result: %v", payload.JobID, err)
			}
		}
	}
	return nil
}

// NewRealignTask builds the Asynq task for a payload
func NewRealignTask(payload *JobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeRealignDocument, data, opts...), nil
}

// Enqueuer submits realignment jobs to an Asynq queue and reports its state
type Enqueuer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewEnqueuer creates an enqueuer for queueName
func NewEnqueuer(redisURL, queueName string) (*Enqueuer, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &Enqueuer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
	}, nil
}

// Enqueue submits a job and returns its task ID
func (e *Enqueuer) Enqueue(ctx context.Context, payload *JobPayload, maxRetries int) (string, error) {
	task, err := NewRealignTask(payload,
		asynq.Queue(e.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(maxRetries),
		asynq.Retention(24*time.Hour))
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info.ID, nil
}

// GetStats returns the task counts of the queue. A queue that has never
// seen a task reports zeros.
func (e *Enqueuer) GetStats(ctx context.Context) (*QueueStats, error) {
	info, err := e.inspector.GetQueueInfo(e.queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return queueInfoStats(e.queue, &asynq.QueueInfo{Queue: e.queue}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return queueInfoStats(e.queue, info), nil
}

// queueInfoStats folds Asynq task states into QueueStats. Scheduled and
// retry tasks still wait to run; archived tasks exhausted their retries.
func queueInfoStats(queue string, info *asynq.QueueInfo) *QueueStats {
	return &QueueStats{
		Backend:    "asynq",
		Queue:      queue,
		Waiting:    int64(info.Pending + info.Scheduled + info.Retry),
		Processing: int64(info.Active),
		Completed:  int64(info.Completed),
		Failed:     int64(info.Archived),
	}
}

// Close closes the underlying client and inspector
func (e *Enqueuer) Close() error {
	if err := e.inspector.Close(); err != nil {
		return err
	}
	return e.client.Close()
}
