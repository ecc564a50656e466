/**
 * PCF Worker - Main Entry Point
 *
 * Turns scanned Pallet Control Form pages into structured line items.
 *
 * Architecture:
 * - Redis list (BRPOP) or asynq consumer for page jobs
 * - Tesseract text-line recognition for image jobs
 * - Table reconstruction engine (internal/pcf)
 * - PostgreSQL persistence of documents, line items and job status
 * - Qdrant description index behind a circuit breaker
 * - fiber HTTP API, Prometheus metrics, cron retention of expired items
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/pcf-worker/internal/api"
	"github.com/adverant/nexus/pcf-worker/internal/config"
	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/processor"
	"github.com/adverant/nexus/pcf-worker/internal/queue"
	"github.com/adverant/nexus/pcf-worker/internal/retention"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("pcf-worker: %v", err)
	}
}

func run() error {
	envErr := godotenv.Load(".env.pcf")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	base, err := logging.NewZap(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	defer base.Sync()

	logger := logging.NewLogger(base, "pcf-worker")
	if envErr != nil {
		logger.Debug(".env.pcf not loaded, using process environment", "error", envErr)
	}

	logger.Info("PCF worker starting",
		"queueMode", cfg.QueueMode,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"qdrant", cfg.QdrantEnabled,
		"env", cfg.NodeEnv,
	)

	m := metrics.New()

	// Storage
	pg, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return err
	}

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = pg.EnsureSchema(schemaCtx)
	cancel()
	if err != nil {
		pg.Close()
		return err
	}

	var index *storage.QdrantClient
	if cfg.QdrantEnabled {
		index, err = storage.NewQdrantClient(cfg.QdrantURL, cfg.QdrantCollection, m.BreakerStateChanged)
		if err != nil {
			// The index is optional; documents are still stored without it.
			logger.Warn("Qdrant unavailable, description indexing disabled", "url", cfg.QdrantURL, "error", err)
			index = nil
		}
	}

	store, err := storage.NewStorageManager(pg, index, logging.NewLogger(base, "storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	// Processing
	engine, err := pcf.NewEngine(cfg.PCFOptions())
	if err != nil {
		return fmt.Errorf("invalid form layout options: %w", err)
	}

	vectorizer := processor.NewDescriptionVectorizer()
	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Engine:      engine,
		Store:       store,
		Recognizer:  processor.NewTesseractOCR(&processor.TesseractConfig{Language: cfg.TesseractLanguage}),
		Vectorizer:  vectorizer,
		Metrics:     m,
		Logger:      logging.NewLogger(base, "processor"),
		MaxFileSize: cfg.MaxImageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize document processor: %w", err)
	}

	// Queue
	timeout := time.Duration(cfg.ProcessingTimeout) * time.Millisecond
	queueLogger := logging.NewLogger(base, "queue")

	var (
		consumer queue.Runner
		producer queue.Enqueuer
	)
	producerCfg := &queue.ProducerConfig{
		RedisURL:   cfg.RedisURL,
		QueueName:  cfg.QueueName,
		MaxRetries: cfg.MaxRetries,
		Status:     proc,
		Metrics:    m,
	}

	switch cfg.QueueMode {
	case "asynq":
		consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			MaxRetries:        cfg.MaxRetries,
			Processor:         proc,
			Metrics:           m,
			Logger:            queueLogger,
			ProcessingTimeout: timeout,
		})
		if err == nil {
			producer, err = queue.NewProducer(producerCfg)
		}
	default:
		consumer, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			MaxRetries:        cfg.MaxRetries,
			Processor:         proc,
			Metrics:           m,
			Logger:            queueLogger,
			ProcessingTimeout: timeout,
		})
		if err == nil {
			producer, err = queue.NewRedisProducer(producerCfg)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer producer.Close()

	// Retention
	purger, err := retention.NewPurger(retention.Config{
		Schedule: cfg.RetentionSchedule,
		Window:   pcf.ExpiryWindow{AlertDays: cfg.RetentionAlertDays, DeleteDays: cfg.RetentionDeleteDays},
	}, store, m, logging.NewLogger(base, "retention"))
	if err != nil {
		return err
	}

	// HTTP API
	server := api.New(api.Config{
		BodyLimit:  int(cfg.MaxImageSize) * 2,
		Window:     pcf.ExpiryWindow{AlertDays: cfg.RetentionAlertDays, DeleteDays: cfg.RetentionDeleteDays},
		QueueStats: consumer.GetStatistics,
	}, api.Deps{
		Analyzer:   proc,
		Enqueuer:   producer,
		Store:      store,
		Vectorizer: vectorizer,
		Metrics:    m,
		Logger:     logging.NewLogger(base, "api"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	purger.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("PCF worker ready", "http", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", "error", err)
	}
	purger.Stop(shutdownCtx)
	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Warn("Queue consumer stop error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
