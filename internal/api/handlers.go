package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/queue"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

type processRequest struct {
	Lines         []pcf.RecognizedLine `json:"lines"`
	ExpectedRoute string               `json:"expectedRoute"`
}

type itemView struct {
	pcf.ProcessedItem
	Expiry          pcf.ExpiryState `json:"expiry"`
	Alert           bool            `json:"alert"`
	DaysUntilExpiry *int            `json:"daysUntilExpiry,omitempty"`
}

type processResponse struct {
	LineItems     []itemView        `json:"lineItems"`
	ContainerCode string            `json:"containerCode"`
	PageInfo      *pcf.PageInfo     `json:"pageInfo,omitempty"`
	HeaderFields  map[string]string `json:"headerFields,omitempty"`
	RouteNumber   string            `json:"routeNumber,omitempty"`
	BusinessName  string            `json:"businessName,omitempty"`
	Diagnostics   []pcf.Diagnostic  `json:"diagnostics,omitempty"`
	Rejections    int               `json:"rejections"`
	RouteVerified *bool             `json:"routeVerified,omitempty"`
}

func errorBody(code, message string) fiber.Map {
	return fiber.Map{"error": message, "code": code}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := fiber.StatusOK
	body := fiber.Map{
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	}

	if s.store != nil {
		body["storage"] = s.store.Health(ctx)
		if !s.store.Healthy(ctx) {
			status = "unhealthy"
			code = fiber.StatusServiceUnavailable
		}
	}
	if s.config.QueueStats != nil {
		body["queue"] = s.config.QueueStats()
	}

	body["status"] = status
	return c.Status(code).JSON(body)
}

func (s *Server) handleProcess(c *fiber.Ctx) error {
	var req processRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "invalid request body"))
	}
	if len(req.Lines) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "lines are required"))
	}

	result, routeVerified, err := s.analyzer.Analyze(req.Lines, req.ExpectedRoute)
	if err != nil {
		var se *pcferrors.StructuralError
		if errors.As(err, &se) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error":  se.Message,
				"code":   string(se.Code),
				"anchor": se.Anchor,
			})
		}
		s.logger.Error("Analyze failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody("PROCESSING_ERROR", "failed to analyze page"))
	}

	return c.JSON(s.toResponse(result, routeVerified))
}

func (s *Server) toResponse(result *pcf.DocumentResult, routeVerified *bool) processResponse {
	now := s.config.Now()
	items := make([]itemView, 0, len(result.LineItems))
	for _, item := range result.LineItems {
		view := itemView{
			ProcessedItem: item,
			Expiry:        s.config.Window.State(item, now),
		}
		view.Alert = view.Expiry == pcf.ExpiryAlert
		if days, ok := item.DaysUntilExpiry(now); ok {
			view.DaysUntilExpiry = &days
		}
		items = append(items, view)
	}

	return processResponse{
		LineItems:     items,
		ContainerCode: result.ContainerCode,
		PageInfo:      result.PageInfo,
		HeaderFields:  result.HeaderFields,
		RouteNumber:   result.RouteNumber,
		BusinessName:  result.BusinessName,
		Diagnostics:   result.Diagnostics,
		Rejections:    result.Rejections(),
		RouteVerified: routeVerified,
	}
}

func (s *Server) handleVerifyAnchor(c *fiber.Ctx) error {
	var req struct {
		Lines    []pcf.RecognizedLine `json:"lines"`
		Expected string               `json:"expected"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "invalid request body"))
	}
	if strings.TrimSpace(req.Expected) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "expected is required"))
	}

	return c.JSON(fiber.Map{"found": pcf.VerifyAnchorText(req.Lines, req.Expected)})
}

func (s *Server) handleEnqueue(c *fiber.Ctx) error {
	if s.enqueuer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody("QUEUE_UNAVAILABLE", "job queue not configured"))
	}

	var payload queue.JobPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), err.Error()))
	}
	if len(payload.Lines) == 0 && len(payload.ImageBuffer) == 0 && payload.ImageURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "one of lines, imageBuffer or imageUrl is required"))
	}

	jobID, err := s.enqueuer.Enqueue(c.UserContext(), &payload)
	if err != nil {
		s.logger.Error("Failed to enqueue job", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody("QUEUE_FAILED", "failed to enqueue job"))
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"jobId": jobID, "status": queue.StatusQueued})
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	job, err := s.store.GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorBody("NOT_FOUND", "job not found"))
		}
		s.logger.Error("Failed to get job", "jobId", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(string(pcferrors.ErrorDatabaseFailed), "failed to get job"))
	}

	return c.JSON(job)
}

func (s *Server) handleDeleteDocument(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.store.DeleteDocument(c.UserContext(), id); err != nil {
		if errors.Is(err, storage.ErrDocumentNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorBody("NOT_FOUND", "document not found"))
		}
		s.logger.Error("Failed to delete document", "documentId", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(string(pcferrors.ErrorDatabaseFailed), "failed to delete document"))
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "q is required"))
	}
	limit := c.QueryInt("limit", 10)
	if limit < 1 || limit > 100 {
		limit = 10
	}

	vector := s.vectorizer.Vectorize(q)
	if isZeroVector(vector) {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody(string(pcferrors.ErrorInvalidInput), "q has no letters or digits to search for"))
	}

	points, err := s.store.SearchDescriptions(c.UserContext(), vector, limit)
	if err != nil {
		if errors.Is(err, storage.ErrIndexDisabled) || errors.Is(err, storage.ErrIndexUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody(string(pcferrors.ErrorIndexFailed), err.Error()))
		}
		s.logger.Error("Description search failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(string(pcferrors.ErrorIndexFailed), "search failed"))
	}

	matches := make([]fiber.Map, 0, len(points))
	for _, p := range points {
		matches = append(matches, fiber.Map{
			"score":       p.Score,
			"documentId":  p.Metadata["documentId"],
			"product":     p.Metadata["product"],
			"description": p.Metadata["description"],
			"batch":       p.Metadata["batch"],
			"bestBefore":  p.Metadata["bestBefore"],
		})
	}

	return c.JSON(fiber.Map{"query": q, "matches": matches})
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
