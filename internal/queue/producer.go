package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/pcf-worker/internal/metrics"
)

// Runner is a started queue consumer
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetStatistics() map[string]interface{}
}

// Enqueuer submits page jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *JobPayload) (string, error)
	Close() error
}

// StatusRecorder records the initial queued status of a job
type StatusRecorder interface {
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	RedisURL   string
	QueueName  string
	MaxRetries int
	Status     StatusRecorder
	Metrics    *metrics.Metrics
}

// prepare assigns a job ID, validates and records the queued status
func prepare(ctx context.Context, cfg *ProducerConfig, payload *JobPayload) error {
	if payload == nil {
		return fmt.Errorf("payload is required")
	}
	if payload.JobID == "" {
		payload.JobID = uuid.New().String()
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	if cfg.Status != nil {
		if err := cfg.Status.UpdateJobStatus(ctx, payload.JobID, StatusQueued, 0, payload.startedMetadata()); err != nil {
			return fmt.Errorf("failed to record queued job: %w", err)
		}
	}
	return nil
}

// Producer enqueues asynq tasks
type Producer struct {
	client *asynq.Client
	config *ProducerConfig
}

// NewProducer creates a new asynq producer
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &Producer{client: asynq.NewClient(redisOpt), config: cfg}, nil
}

// NewProcessTask builds the asynq task for one page
func NewProcessTask(payload *JobPayload, queue string, maxRetries int) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcess, data,
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetries),
		asynq.TaskID(payload.JobID),
	), nil
}

// Enqueue submits a page job and returns its ID
func (p *Producer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if err := prepare(ctx, p.config, payload); err != nil {
		return "", err
	}

	task, err := NewProcessTask(payload, p.config.QueueName, p.config.MaxRetries)
	if err != nil {
		return "", err
	}

	if _, err := p.client.EnqueueContext(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}

	p.config.Metrics.JobEvent(StatusQueued)
	return payload.JobID, nil
}

// Close closes the asynq client
func (p *Producer) Close() error {
	return p.client.Close()
}

// RedisProducer pushes jobs onto the Redis list read by RedisConsumer
type RedisProducer struct {
	client *redis.Client
	config *ProducerConfig
}

// NewRedisProducer creates a new list producer
func NewRedisProducer(cfg *ProducerConfig) (*RedisProducer, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &RedisProducer{client: redis.NewClient(opt), config: cfg}, nil
}

// NewRedisJob wraps a payload in the list queue envelope
func NewRedisJob(payload *JobPayload, maxRetries int, now time.Time) *RedisJobData {
	return &RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeProcess,
		Payload:    *payload,
		CreatedAt:  now.UTC(),
		MaxRetries: maxRetries,
	}
}

// Enqueue stores the job body and pushes its ID
func (p *RedisProducer) Enqueue(ctx context.Context, payload *JobPayload) (string, error) {
	if err := prepare(ctx, p.config, payload); err != nil {
		return "", err
	}

	data, err := json.Marshal(NewRedisJob(payload, p.config.MaxRetries, time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, queueKey(p.config.QueueName, "data"), payload.JobID, data)
		pipe.LPush(ctx, p.config.QueueName, payload.JobID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}

	p.config.Metrics.JobEvent(StatusQueued)
	return payload.JobID, nil
}

// Close closes the Redis client
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
