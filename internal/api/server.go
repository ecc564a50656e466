/**
 * HTTP API for the PCF Worker
 *
 * Synchronous page analysis, anchor checks, job submission and lookup,
 * description search, health and Prometheus metrics.
 */

package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/queue"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

// Analyzer runs the engine without persisting
type Analyzer interface {
	Analyze(lines []pcf.RecognizedLine, expectedRoute string) (*pcf.DocumentResult, *bool, error)
}

// Store is the read side of storage used by the API
type Store interface {
	GetJob(ctx context.Context, jobID string) (*storage.Job, error)
	DeleteDocument(ctx context.Context, documentID string) error
	SearchDescriptions(ctx context.Context, vector []float32, limit int) ([]*storage.VectorPoint, error)
	Health(ctx context.Context) map[string]interface{}
	Healthy(ctx context.Context) bool
}

// Vectorizer turns a description query into a search vector
type Vectorizer interface {
	Vectorize(text string) []float32
}

// Config holds server configuration
type Config struct {
	AllowOrigins string
	BodyLimit    int
	Window       pcf.ExpiryWindow
	Now          func() time.Time
	QueueStats   func() map[string]interface{}
}

// Server handles the HTTP API
type Server struct {
	app        *fiber.App
	config     Config
	analyzer   Analyzer
	enqueuer   queue.Enqueuer
	store      Store
	vectorizer Vectorizer
	metrics    *metrics.Metrics
	logger     *logging.Logger
	startedAt  time.Time
}

// Deps groups the collaborators of the server
type Deps struct {
	Analyzer   Analyzer
	Enqueuer   queue.Enqueuer
	Store      Store
	Vectorizer Vectorizer
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// New creates a new API server
func New(cfg Config, deps Deps) *Server {
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = "*"
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4 * 1024 * 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		IdleTimeout:           120 * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:        app,
		config:     cfg,
		analyzer:   deps.Analyzer,
		enqueuer:   deps.Enqueuer,
		store:      deps.Store,
		vectorizer: deps.Vectorizer,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "api"),
		startedAt:  time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: s.config.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	s.app.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := s.app.Group("/api/v1")

	v1.Post("/documents/process", s.handleProcess)
	v1.Post("/documents/verify-anchor", s.handleVerifyAnchor)
	v1.Delete("/documents/:id", s.handleDeleteDocument)

	v1.Post("/jobs", s.handleEnqueue)
	v1.Get("/jobs/:id", s.handleGetJob)

	v1.Get("/descriptions/search", s.handleSearch)
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
