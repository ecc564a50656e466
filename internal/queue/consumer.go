/**
 * Asynq Queue Consumer for the PCF Worker
 *
 * Consumes "pcf:process" tasks and runs each page through the document
 * processor. Terminal failures (bad input, rejected documents) skip asynq's
 * retry schedule; everything else is retried with exponential backoff.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/processor"
)

// Consumer handles job consumption from an asynq queue
type Consumer struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	metrics   *metrics.Metrics
	logger    *logging.Logger
	config    *ConsumerConfig
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.DocumentProcessorInterface
	Metrics           *metrics.Metrics
	Logger            *logging.Logger
	ProcessingTimeout time.Duration
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

	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	log := cfg.Logger.With("component", "asynq-consumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				log.Warn("Task processing error",
					"type", task.Type(),
					"retried", retried,
					"error", err,
				)
			}),
		},
	)

	consumer := &Consumer{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		metrics:   cfg.Metrics,
		logger:    log,
		config:    cfg,
	}

	consumer.mux.HandleFunc(TaskTypeProcess, consumer.handleProcessDocument)

	return consumer, nil
}

// retryDelay backs off 5s, 10s, 20s... capped at one minute
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 4 {
		return time.Minute
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName,
	)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer...")
	c.server.Shutdown()
	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleProcessDocument processes one page task
func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		c.metrics.JobEvent(StatusFailed)
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	log := c.logger.With("jobId", payload.JobID, "attempt", retried+1)

	log.Info("Processing page", "filename", payload.Filename, "user", payload.UserID, "lines", len(payload.Lines))
	c.metrics.JobEvent(StatusProcessing)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusProcessing, 0, payload.startedMetadata()); err != nil {
		log.Warn("Failed to update status to processing", "error", err)
	}

	result, err := runJob(ctx, c.processor, &payload, c.config.ProcessingTimeout, log)
	if err != nil {
		terminal := pcferrors.IsTerminal(err)
		finalAttempt := terminal || retried >= maxRetry

		if finalAttempt {
			c.metrics.JobEvent(StatusFailed)
			if updateErr := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusFailed, 100, failedMetadata(err, retried+1)); updateErr != nil {
				log.Warn("Failed to update status to failed", "error", updateErr)
			}
		} else {
			c.metrics.JobEvent("retried")
		}

		log.Error("Processing failed", "error", err, "terminal", terminal)

		if terminal {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}

	log.Info("Processing completed",
		"documentId", result.DocumentID,
		"lineItems", result.LineItems,
		"rejected", result.Rejected,
		"durationMs", result.ProcessingTimeMs,
	)
	c.metrics.JobEvent(StatusCompleted)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, StatusCompleted, 100, completedMetadata(result)); err != nil {
		log.Warn("Failed to update status to completed", "error", err)
	}

	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"mode":        "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
