/**
 * Redis List Queue Consumer for the PCF Worker
 *
 * Pops job IDs from a Redis list (BullMQ-style producers push with LPUSH and
 * keep the job body in "<queue>:data"). Job progress is mirrored into
 * "<queue>:processing|completed|failed" sets and announced on "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/processor"
)

var errNoJobs = errors.New("no jobs available")

// RedisConsumer handles job consumption from a Redis list
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	metrics   *metrics.Metrics
	logger    *logging.Logger
	config    *RedisConsumerConfig
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.DocumentProcessorInterface
	Metrics           *metrics.Metrics
	Logger            *logging.Logger
	ProcessingTimeout time.Duration
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "pcf:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "redis-consumer", "queue", cfg.QueueName),
		config:    cfg,
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start(ctx context.Context) error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer, letting in-flight jobs finish
func (c *RedisConsumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Workers did not finish before shutdown deadline")
	}

	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJobSafely(); err != nil {
				if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
					continue
				}
				c.logger.Warn("Worker error", "worker", id, "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// processNextJobSafely keeps a panic in the job bookkeeping from killing the worker
func (c *RedisConsumer) processNextJobSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handling panicked: %v", r)
		}
	}()
	return c.processNextJob()
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	raw, err := c.client.HGet(c.ctx, queueKey(c.config.QueueName, "data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		c.markFailed(id, "", failedMetadata(pcferrors.NewInvalidInputError(id, err.Error()), 1))
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = c.config.MaxRetries
	}

	jobID := job.Payload.JobID
	log := c.logger.With("jobId", jobID, "attempt", job.Attempts+1)

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, StatusProcessing, 0, job.Payload.startedMetadata()); err != nil {
		log.Warn("Could not update job status to processing", "error", err)
	}
	c.client.SAdd(c.ctx, queueKey(c.config.QueueName, StatusProcessing), jobID)
	c.publish(jobID, StatusProcessing)
	c.metrics.JobEvent(StatusProcessing)

	log.Info("Processing page", "filename", job.Payload.Filename)

	// Processing keeps running through shutdown; the job context only bounds it by timeout.
	processResult, err := runJob(context.Background(), c.processor, &job.Payload, c.config.ProcessingTimeout, log)
	c.settle(&job, processResult, err, log)
	return nil
}

// settle records the outcome of one attempt: completed, re-queued or failed
func (c *RedisConsumer) settle(job *RedisJobData, result *processor.ProcessResult, err error, log *logging.Logger) {
	jobID := job.Payload.JobID
	if err == nil {
		c.markCompleted(jobID, result)
		log.Info("Job completed",
			"documentId", result.DocumentID,
			"lineItems", result.LineItems,
			"rejected", result.Rejected,
		)
		return
	}

	job.Attempts++
	if shouldRetry(err, job.Attempts, job.MaxRetries) {
		requeueErr := c.requeue(job)
		if requeueErr == nil {
			c.metrics.JobEvent("retried")
			log.Warn("Job re-queued for retry", "error", err, "maxRetries", job.MaxRetries)
			return
		}
		log.Error("Could not re-queue job, marking failed", "error", requeueErr)
	}

	log.Error("Job failed", "error", err, "terminal", pcferrors.IsTerminal(err))
	c.markFailed(job.ID, jobID, failedMetadata(err, job.Attempts))
}

// requeue stores the bumped attempt count and pushes the job back in one transaction
func (c *RedisConsumer) requeue(job *RedisJobData) error {
	updated, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	_, err = c.client.TxPipelined(c.ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(c.ctx, queueKey(c.config.QueueName, "data"), job.ID, updated)
		pipe.SRem(c.ctx, queueKey(c.config.QueueName, StatusProcessing), job.Payload.JobID)
		pipe.LPush(c.ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to re-queue job %s: %w", job.ID, err)
	}
	return nil
}

// shouldRetry is false for terminal errors and once attempts reach maxRetries
func shouldRetry(err error, attempts, maxRetries int) bool {
	if err == nil || pcferrors.IsTerminal(err) {
		return false
	}
	return attempts < maxRetries
}

func (c *RedisConsumer) markCompleted(jobID string, result *processor.ProcessResult) {
	meta := completedMetadata(result)

	c.client.SRem(c.ctx, queueKey(c.config.QueueName, StatusProcessing), jobID)
	c.client.SAdd(c.ctx, queueKey(c.config.QueueName, StatusCompleted), jobID)
	if data, err := json.Marshal(result); err == nil {
		c.client.HSet(c.ctx, queueKey(c.config.QueueName, "results"), jobID, data)
	}

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, StatusCompleted, 100, meta); err != nil {
		c.logger.Error("Failed to persist completed status", "jobId", jobID, "error", err)
	}

	c.publish(jobID, StatusCompleted)
	c.metrics.JobEvent(StatusCompleted)
}

// markFailed records a failure. jobID may be empty when the job body could
// not be decoded; the queue entry ID is used for the Redis bookkeeping then.
func (c *RedisConsumer) markFailed(entryID, jobID string, meta map[string]interface{}) {
	if jobID == "" {
		jobID = entryID
	}

	c.client.SRem(c.ctx, queueKey(c.config.QueueName, StatusProcessing), jobID)
	c.client.SAdd(c.ctx, queueKey(c.config.QueueName, StatusFailed), jobID)
	if data, err := json.Marshal(meta); err == nil {
		c.client.HSet(c.ctx, queueKey(c.config.QueueName, "errors"), jobID, data)
	}

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, StatusFailed, 100, meta); err != nil {
		c.logger.Error("Failed to persist failed status", "jobId", jobID, "error", err)
	}

	c.publish(jobID, StatusFailed)
	c.metrics.JobEvent(StatusFailed)
}

// publish announces a status change on "<queue>:events"
func (c *RedisConsumer) publish(jobID, status string) {
	event, _ := json.Marshal(jobEvent(jobID, status, time.Now()))
	if err := c.client.Publish(c.ctx, queueKey(c.config.QueueName, "events"), event).Err(); err != nil {
		c.logger.Debug("Failed to publish job event", "jobId", jobID, "error", err)
	}
}

func jobEvent(jobID, status string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": at.UTC().Format(time.RFC3339),
	}
}

func queueKey(queue, suffix string) string {
	return queue + ":" + suffix
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, queueKey(c.config.QueueName, StatusProcessing))
	completed := pipe.SCard(ctx, queueKey(c.config.QueueName, StatusCompleted))
	failed := pipe.SCard(ctx, queueKey(c.config.QueueName, StatusFailed))

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

// GetStatistics returns consumer statistics
func (c *RedisConsumer) GetStatistics() map[string]interface{} {
	stats := map[string]interface{}{
		"mode":        "list",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counts, err := c.GetStats(ctx); err == nil {
		for k, v := range counts {
			stats[k] = v
		}
	}
	return stats
}
