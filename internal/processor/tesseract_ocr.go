/**
 * Tesseract OCR - offline line recognition
 *
 * Runs Tesseract at text-line granularity so every line keeps the box the
 * table reconstruction needs.
 */

package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
)

// TesseractOCR handles line-level OCR using Tesseract
type TesseractOCR struct {
	language string
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language string
}

// NewTesseractOCR creates a new Tesseract OCR instance
func NewTesseractOCR(cfg *TesseractConfig) *TesseractOCR {
	lang := "eng"
	if cfg != nil && cfg.Language != "" {
		lang = cfg.Language
	}
	return &TesseractOCR{language: lang}
}

// Recognize performs OCR and returns one RecognizedLine per text line
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte) (*OCRResult, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(t.language); err != nil {
		return nil, fmt.Errorf("failed to set language %q: %w", t.language, err)
	}

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	lines, confidence := linesFromBoxes(boxes)

	return &OCRResult{
		Lines:      lines,
		Confidence: confidence,
		Engine:     "tesseract",
		Duration:   time.Since(startTime),
	}, nil
}

// linesFromBoxes converts Tesseract boxes and averages their confidence
func linesFromBoxes(boxes []gosseract.BoundingBox) ([]pcf.RecognizedLine, float64) {
	lines := make([]pcf.RecognizedLine, 0, len(boxes))
	var total float64

	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		lines = append(lines, pcf.RecognizedLine{
			Text: text,
			BoundingBox: pcf.BoundingBox{
				Left:   float64(b.Box.Min.X),
				Top:    float64(b.Box.Min.Y),
				Right:  float64(b.Box.Max.X),
				Bottom: float64(b.Box.Max.Y),
			},
		})
		total += b.Confidence
	}

	if len(lines) == 0 {
		return lines, 0
	}
	// Tesseract reports 0..100
	return lines, total / float64(len(lines)) / 100
}
