/**
 * Job envelope shared by the queue consumers and producers
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
	"github.com/adverant/nexus/pcf-worker/internal/logging"
	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/processor"
)

// TaskTypeProcess is the asynq task type and the list job type for one page
const TaskTypeProcess = "pcf:process"

// Job statuses written to Redis sets and PostgreSQL
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const defaultProcessingTimeout = 5 * time.Minute

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID         string                 `json:"jobId"`
	UserID        string                 `json:"userId,omitempty"`
	Filename      string                 `json:"filename,omitempty"`
	MimeType      string                 `json:"mimeType,omitempty"`
	ImageURL      string                 `json:"imageUrl,omitempty"`
	ImageBuffer   []byte                 `json:"-"` // set by UnmarshalJSON, sent as base64
	Lines         []pcf.RecognizedLine   `json:"lines,omitempty"`
	ExpectedRoute string                 `json:"expectedRoute,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// MarshalJSON writes imageBuffer as base64
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		Alias
		ImageBuffer string `json:"imageBuffer,omitempty"`
	}{Alias: Alias(p)}
	if len(p.ImageBuffer) > 0 {
		aux.ImageBuffer = base64.StdEncoding.EncodeToString(p.ImageBuffer)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON accepts imageBuffer as a base64 string or a Node.js Buffer object
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	buf, err := decodeBuffer(aux.ImageBuffer)
	if err != nil {
		return err
	}
	p.ImageBuffer = buf
	return nil
}

func decodeBuffer(raw interface{}) ([]byte, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil

	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// Validate rejects payloads that can never be processed
func (p *JobPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	if len(p.Lines) == 0 && len(p.ImageBuffer) == 0 && p.ImageURL == "" {
		return fmt.Errorf("one of lines, imageBuffer or imageUrl is required")
	}
	return nil
}

// ProcessRequest converts the payload to the processor's request
func (p *JobPayload) ProcessRequest() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:         p.JobID,
		UserID:        p.UserID,
		Filename:      p.Filename,
		MimeType:      p.MimeType,
		ImageURL:      p.ImageURL,
		ImageBuffer:   p.ImageBuffer,
		Lines:         p.Lines,
		ExpectedRoute: p.ExpectedRoute,
		Metadata:      p.Metadata,
	}
}

// startedMetadata is recorded with the processing status
func (p *JobPayload) startedMetadata() map[string]interface{} {
	return map[string]interface{}{
		"filename": p.Filename,
		"mimeType": p.MimeType,
		"userId":   p.UserID,
	}
}

// completedMetadata is recorded with the completed status
func completedMetadata(result *processor.ProcessResult) map[string]interface{} {
	meta := map[string]interface{}{
		"documentId":       result.DocumentID,
		"lineItems":        result.LineItems,
		"rejected":         result.Rejected,
		"indexedItems":     result.IndexedItems,
		"processingTimeMs": result.ProcessingTimeMs,
	}
	if result.Document != nil && result.Document.ContainerCode != "" {
		meta["containerCode"] = result.Document.ContainerCode
	}
	if result.RouteVerified != nil {
		meta["routeVerified"] = *result.RouteVerified
	}
	return meta
}

// failedMetadata is recorded with the failed status
func failedMetadata(err error, attempts int) map[string]interface{} {
	var pe *pcferrors.ProcessingError
	if errors.As(err, &pe) {
		meta := pe.ToMap()
		meta["error"] = pe.Error()
		meta["attempts"] = attempts
		return meta
	}
	return map[string]interface{}{
		"error":    err.Error(),
		"attempts": attempts,
	}
}

// runJob processes one payload under a timeout. A deadline overrun is
// reported as a PROCESSING_TIMEOUT error.
func runJob(ctx context.Context, proc processor.DocumentProcessorInterface, payload *JobPayload, timeout time.Duration, log *logging.Logger) (*processor.ProcessResult, error) {
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}

	if err := payload.Validate(); err != nil {
		return nil, pcferrors.NewInvalidInputError(payload.JobID, err.Error())
	}

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startTime := time.Now()
	result, err := processGuarded(processCtx, proc, payload.ProcessRequest(), log)
	if err != nil {
		if errors.Is(processCtx.Err(), context.DeadlineExceeded) {
			log.Warn("Processing timed out", "jobId", payload.JobID, "elapsed", time.Since(startTime), "timeout", timeout)
			return nil, pcferrors.NewProcessingTimeoutError(payload.JobID, timeout, err)
		}
		return nil, err
	}

	return result, nil
}

// processGuarded turns a panic inside the processor into a terminal job error
func processGuarded(ctx context.Context, proc processor.DocumentProcessorInterface, req *processor.ProcessRequest, log *logging.Logger) (result *processor.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Processor panicked", "jobId", req.JobID, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = pcferrors.NewProcessingPanicError(req.JobID, r)
		}
	}()

	return proc.ProcessDocument(ctx, req)
}
