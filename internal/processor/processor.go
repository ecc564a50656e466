/**
 * Document Processor for the PCF Worker
 *
 * Orchestrates one scanned Pallet Control Form page:
 * - obtain recognized lines (from the job, or Tesseract OCR of the image)
 * - rebuild the line-item table with the pcf engine
 * - verify the expected route text when the job names one
 * - persist the document and index its descriptions
 */

package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/metrics"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// DocumentStore is the persistence the processor needs
type DocumentStore interface {
	StoreDocument(ctx context.Context, doc *storage.DocumentRecord, vectors [][]float32) (*storage.StoredDocument, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engine      *pcf.Engine
	Store       DocumentStore
	Recognizer  Recognizer             // nil disables image jobs
	Vectorizer  *DescriptionVectorizer // nil disables description indexing
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	MaxFileSize int64
	HTTPClient  *http.Client

	// Download retry policy
	DownloadAttempts int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID         string
	UserID        string
	Filename      string
	MimeType      string
	ImageURL      string
	ImageBuffer   []byte
	Lines         []pcf.RecognizedLine
	ExpectedRoute string
	Metadata      map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	DocumentID       string              `json:"documentId"`
	Document         *pcf.DocumentResult `json:"document"`
	LineItems        int                 `json:"lineItems"`
	Rejected         int                 `json:"rejected"`
	RouteVerified    *bool               `json:"routeVerified,omitempty"`
	OCRConfidence    float64             `json:"ocrConfidence,omitempty"`
	IndexedItems     int                 `json:"indexedItems"`
	ProcessingTimeMs int64               `json:"processingTimeMs"`
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config     *ProcessorConfig
	engine     *pcf.Engine
	store      DocumentStore
	recognizer Recognizer
	vectorizer *DescriptionVectorizer
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpClient *http.Client
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}

	engine := cfg.Engine
	if engine == nil {
		var err error
		if engine, err = pcf.NewEngine(pcf.DefaultOptions()); err != nil {
			return nil, fmt.Errorf("failed to create engine: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	if cfg.DownloadAttempts <= 0 {
		cfg.DownloadAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 32 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}

	if cfg.Recognizer == nil {
		logger.Warn("No recognizer configured, jobs must carry recognized lines")
	}

	return &DocumentProcessor{
		config:     cfg,
		engine:     engine,
		store:      cfg.Store,
		recognizer: cfg.Recognizer,
		vectorizer: cfg.Vectorizer,
		metrics:    cfg.Metrics,
		logger:     logger,
		httpClient: httpClient,
	}, nil
}

// Engine returns the reconstruction engine
func (p *DocumentProcessor) Engine() *pcf.Engine {
	return p.engine
}

// Analyze runs the engine over lines without persisting anything
func (p *DocumentProcessor) Analyze(lines []pcf.RecognizedLine, expectedRoute string) (*pcf.DocumentResult, *bool, error) {
	startTime := time.Now()

	result, err := p.engine.Process(lines)
	if err != nil {
		p.metrics.ObserveOutcome(metrics.OutcomeRejected, time.Since(startTime))
		return nil, nil, err
	}
	p.metrics.ObserveDocument(result, time.Since(startTime))

	return result, verifyRoute(result, lines, expectedRoute), nil
}

// ProcessDocument processes a document through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log := p.logger.With("jobId", req.JobID)
	log.Info("Starting document processing pipeline")

	// Step 1: Obtain recognized lines
	lines, confidence, err := p.recognizedLines(ctx, req, log)
	if err != nil {
		p.metrics.ObserveOutcome(metrics.OutcomeFailed, time.Since(startTime))
		return nil, err
	}
	log.Info("Step 1: Recognized lines ready", "lines", len(lines))

	// Step 2: Rebuild the table
	result, err := p.engine.Process(lines)
	if err != nil {
		p.metrics.ObserveOutcome(metrics.OutcomeRejected, time.Since(startTime))
		var se *pcferrors.StructuralError
		if errors.As(err, &se) {
			log.Warn("Step 2: Document rejected", "code", se.Code, "anchor", se.Anchor)
			return nil, pcferrors.NewDocumentRejectedError(req.JobID, se)
		}
		return nil, pcferrors.NewInvalidInputError(req.JobID, err.Error())
	}
	log.Info("Step 2: Table rebuilt",
		"lineItems", len(result.LineItems),
		"rejected", result.Rejections(),
		"containerCode", result.ContainerCode,
	)
	p.logDiagnostics(log, result.Diagnostics)

	// Step 3: Route verification
	routeVerified := verifyRoute(result, lines, req.ExpectedRoute)
	if routeVerified != nil {
		log.Info("Step 3: Route verification",
			"expected", req.ExpectedRoute,
			"routeNumber", result.RouteNumber,
			"found", *routeVerified,
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: Persist and index
	doc := &storage.DocumentRecord{
		ID:            uuid.New().String(),
		JobID:         req.JobID,
		UserID:        req.UserID,
		Filename:      req.Filename,
		ContainerCode: result.ContainerCode,
		PageInfo:      result.PageInfo,
		HeaderFields:  result.HeaderFields,
		RouteNumber:   result.RouteNumber,
		BusinessName:  result.BusinessName,
		RouteVerified: routeVerified,
		Rejected:      result.Rejections(),
		Diagnostics:   result.Diagnostics,
		LineItems:     result.LineItems,
	}

	var vectors [][]float32
	if p.vectorizer != nil && len(result.LineItems) > 0 {
		vectors = p.vectorizer.VectorizeItems(result.LineItems)
	}

	stored, err := p.store.StoreDocument(ctx, doc, vectors)
	if err != nil {
		p.metrics.ObserveOutcome(metrics.OutcomeFailed, time.Since(startTime))
		return nil, pcferrors.NewStorageFailedError(req.JobID, err)
	}
	log.Info("Step 4: Document stored", "documentId", stored.ID, "indexedItems", stored.IndexedItems)

	elapsed := time.Since(startTime)
	p.metrics.ObserveDocument(result, elapsed)

	return &ProcessResult{
		DocumentID:       stored.ID,
		Document:         result,
		LineItems:        len(result.LineItems),
		Rejected:         result.Rejections(),
		RouteVerified:    routeVerified,
		OCRConfidence:    confidence,
		IndexedItems:     stored.IndexedItems,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

// UpdateJobStatus updates job status in database
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}

	// Lift well-known keys into their own columns
	if metadata != nil {
		if v, ok := metadata["userId"].(string); ok {
			update.UserID = v
		}
		if v, ok := metadata["filename"].(string); ok {
			update.Filename = v
		}
		if v, ok := metadata["mimeType"].(string); ok {
			update.MimeType = v
		}
		if v, ok := metadata["documentId"].(string); ok {
			update.DocumentID = v
		}
		if v, ok := asInt(metadata["lineItems"]); ok {
			update.LineItems = v
		}
		if v, ok := asInt(metadata["rejected"]); ok {
			update.Rejected = v
		}
		if v, ok := asInt(metadata["processingTimeMs"]); ok {
			update.ProcessingTimeMs = int64(v)
		}
		if v, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = v
		}
		if v, ok := metadata["error"].(string); ok {
			update.ErrorMessage = v
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// recognizedLines returns the job's lines, or OCR output for its image
func (p *DocumentProcessor) recognizedLines(ctx context.Context, req *ProcessRequest, log *logging.Logger) ([]pcf.RecognizedLine, float64, error) {
	if len(req.Lines) > 0 {
		return req.Lines, 0, nil
	}

	imageData, err := p.loadImage(ctx, req, log)
	if err != nil {
		return nil, 0, err
	}

	// Sources like object stores often send a generic type, so trust the bytes
	detected := detectMimeTypeFromMagicBytes(imageData)
	if detected != "" && detected != req.MimeType {
		log.Info("Corrected MIME type (magic byte detection)", "from", req.MimeType, "to", detected)
		req.MimeType = detected
	}
	if !isSupportedImage(req.MimeType) {
		return nil, 0, pcferrors.NewUnsupportedFormatError(req.JobID, req.MimeType)
	}

	if p.recognizer == nil {
		return nil, 0, pcferrors.NewOCRFailedError(req.JobID, "none", fmt.Errorf("no recognizer configured"))
	}

	ocr, err := p.recognizer.Recognize(ctx, imageData)
	if err != nil {
		return nil, 0, pcferrors.NewOCRFailedError(req.JobID, "tesseract", err)
	}
	p.metrics.ObserveOCRConfidence(ocr.Confidence)
	log.Info("OCR complete",
		"engine", ocr.Engine,
		"lines", len(ocr.Lines),
		"confidence", ocr.Confidence,
		"duration", ocr.Duration,
	)

	return ocr.Lines, ocr.Confidence, nil
}

// loadImage loads the image from the buffer or URL
func (p *DocumentProcessor) loadImage(ctx context.Context, req *ProcessRequest, log *logging.Logger) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.ImageBuffer)) > p.config.MaxFileSize {
			return nil, pcferrors.NewInvalidInputError(req.JobID,
				fmt.Sprintf("image size exceeds maximum: %d > %d bytes", len(req.ImageBuffer), p.config.MaxFileSize))
		}
		log.Info("Using image buffer", "bytes", len(req.ImageBuffer))
		return req.ImageBuffer, nil
	}

	if req.ImageURL != "" {
		data, err := p.downloadImage(ctx, req.ImageURL, log)
		if err != nil {
			return nil, fmt.Errorf("failed to download image: %w", err)
		}
		return data, nil
	}

	return nil, pcferrors.NewInvalidInputError(req.JobID, "no input provided (lines, image buffer or image URL)")
}

// downloadImage fetches url with exponential backoff between attempts
func (p *DocumentProcessor) downloadImage(ctx context.Context, url string, log *logging.Logger) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= p.config.DownloadAttempts; attempt++ {
		data, retry, err := p.fetchOnce(ctx, url)
		if err == nil {
			log.Info("Download successful", "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		log.Warn("Download attempt failed", "attempt", attempt, "maxAttempts", p.config.DownloadAttempts, "error", err)

		if !retry || attempt == p.config.DownloadAttempts {
			break
		}

		backoff := backoffFor(attempt, p.config.InitialBackoff, p.config.MaxBackoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", p.config.DownloadAttempts, lastErr)
}

// fetchOnce performs a single GET; retry reports whether another attempt can help
func (p *DocumentProcessor) fetchOnce(ctx context.Context, url string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors will not change on retry, except throttling
		retry = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, false, fmt.Errorf("image size exceeds maximum: %d > %d bytes", resp.ContentLength, limit)
	}
	if limit <= 0 {
		limit = 1 << 30
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("image size exceeds maximum: more than %d bytes", limit)
	}
	return data, false, nil
}

// backoffFor returns initial*2^(attempt-1), capped at max
func backoffFor(attempt int, initial, max time.Duration) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// logDiagnostics writes every diagnostic at debug level and a summary at warn
func (p *DocumentProcessor) logDiagnostics(log *logging.Logger, diags []pcf.Diagnostic) {
	counts := map[pcf.DiagnosticKind]int{}
	rows := 0
	for _, d := range diags {
		counts[d.Kind]++
		if d.Kind == pcf.DiagnosticRowRejection && d.Scope == pcf.ScopeRow {
			rows++
		}
		log.Debug("Diagnostic",
			"kind", d.Kind,
			"stage", d.Stage,
			"scope", d.Scope,
			"text", d.Text,
			"reason", d.Reason,
			"y", d.Y,
		)
	}
	if n := counts[pcf.DiagnosticRowRejection]; n > 0 {
		log.Warn(fmt.Sprintf("%d rows skipped", rows),
			"dropped", n-rows,
			"degraded", counts[pcf.DiagnosticFieldDegradation],
			"suspiciousLowercase", counts[pcf.DiagnosticSuspiciousLowercase],
		)
	}
}

var routeNumberPattern = regexp.MustCompile(`^\d{6}$`)

// verifyRoute returns nil when no route was expected. A six-digit expected
// route is compared with the route number read from the page when there is one;
// anything else is searched for as text.
func verifyRoute(result *pcf.DocumentResult, lines []pcf.RecognizedLine, expected string) *bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}

	var found bool
	if result != nil && result.RouteNumber != "" && routeNumberPattern.MatchString(expected) {
		found = result.RouteNumber == expected
	} else {
		found = pcf.VerifyAnchorText(lines, expected)
	}
	return &found
}

func isSupportedImage(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/tiff", "image/bmp", "image/gif", "image/webp":
		return true
	}
	return false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// detectMimeTypeFromMagicBytes detects the image type from its leading bytes
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}

	return ""
}
