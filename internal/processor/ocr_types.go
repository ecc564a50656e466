/**
 * OCR Types - Shared data structures for line recognition
 *
 * A Recognizer turns image bytes into positioned text lines, the only
 * input the form engine understands.
 */

package processor

import (
	"context"
	"time"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
)

// OCRResult represents the result of OCR processing
type OCRResult struct {
	Lines      []pcf.RecognizedLine
	Confidence float64 // mean line confidence, 0..1
	Engine     string
	Duration   time.Duration
}

// Recognizer extracts text lines with bounding boxes from an image
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (*OCRResult, error)
}
