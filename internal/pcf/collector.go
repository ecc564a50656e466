/**
 * Element Collector
 *
 * Turns recognized lines into positioned elements, marks which ones sit in
 * the table band, and splits fragments where the recognizer merged adjacent
 * cells (batch + date + days, batch + date, date + days).
 */

package pcf

import (
	"fmt"
	"regexp"
	"strings"
)

// dateToken matches a date-like token before OCR correction
const dateToken = `[0-9OoIil]{1,2}[/\\rR:.-][0-9OoIil]{1,2}[/\\rR:.-][0-9OoIil]{4}`

var (
	batchDateDaysPattern = regexp.MustCompile(`^[A-Z0-9]{8,}\s+` + dateToken + `\s+\d{1,2}\*?$`)
	batchDatePattern     = regexp.MustCompile(`^[A-Z0-9]{8,}\s+` + dateToken + `$`)
	batchDatePairPattern = regexp.MustCompile(`[A-Z0-9]{8,}.*?` + dateToken)
	dateDaysPattern      = regexp.MustCompile(`^` + dateToken + `\s+\d{1,2}\*?$`)
)

// splitBatchLength is the printed batch code length on the form
const splitBatchLength = 10

type mergeShape int

const (
	shapeNone mergeShape = iota
	shapeBatchDateDays
	shapeBatchDate
	shapeBatchDatePair
	shapeDateDays
)

func detectMerge(text string) mergeShape {
	switch {
	case batchDateDaysPattern.MatchString(text):
		return shapeBatchDateDays
	case batchDatePattern.MatchString(text):
		return shapeBatchDate
	case dateDaysPattern.MatchString(text):
		return shapeDateDays
	case batchDatePairPattern.MatchString(text):
		return shapeBatchDatePair
	default:
		return shapeNone
	}
}

// collectElements builds the element arena for one document
func collectElements(lines []RecognizedLine, band Band, noise *regexp.Regexp, dates DateCorrector, diags *diagnostics) []TextElement {
	elements := make([]TextElement, 0, len(lines))

	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		if text == "" {
			continue
		}

		box := line.BoundingBox
		el := newTextElement(text, box.Left, box.CenterY(), box.Width(), band.Contains(box.CenterY()))
		if el.InBounds && noise != nil && noise.MatchString(text) {
			el.InBounds = false
		}

		if !el.InBounds {
			elements = append(elements, el)
			continue
		}

		shape := detectMerge(text)
		if shape == shapeNone {
			elements = append(elements, el)
			continue
		}

		parts, reason := splitMerged(el, shape, dates)
		if reason != "" {
			diags.reject(StageCollector, ScopeElement, text, reason, el.Y)
			continue
		}
		i := dateIndex(shape)
		if raw := strings.Fields(text)[i]; raw != parts[i].Text {
			diags.add(DiagnosticFieldDegradation, StageCollector, raw,
				fmt.Sprintf("split date corrected to %s", parts[i].Text), el.Y)
		}
		elements = append(elements, parts...)
	}

	return elements
}

// splitMerged splits a joined fragment into one element per field.
// A non-empty reason means the fragment is rejected.
func splitMerged(el TextElement, shape mergeShape, dates DateCorrector) ([]TextElement, string) {
	tokens := strings.Fields(el.Text)

	var fields []string
	switch shape {
	case shapeDateDays:
		if len(tokens) != 2 {
			return nil, fmt.Sprintf("expected date and days, got %d tokens", len(tokens))
		}
		date, ok := dates.Correct(tokens[0])
		if !ok {
			return nil, fmt.Sprintf("date %q could not be corrected", tokens[0])
		}
		if reason := checkDaysToken(tokens[1]); reason != "" {
			return nil, reason
		}
		fields = []string{date, tokens[1]}

	default:
		if len(tokens) != 2 && len(tokens) != 3 {
			return nil, fmt.Sprintf("expected batch, date and optional days, got %d tokens", len(tokens))
		}
		batch := tokens[0]
		if n := len([]rune(batch)); n != splitBatchLength {
			return nil, fmt.Sprintf("batch %q has length %d, expected %d", batch, n, splitBatchLength)
		}
		date, ok := dates.Correct(tokens[1])
		if !ok {
			return nil, fmt.Sprintf("date %q could not be corrected", tokens[1])
		}
		fields = []string{batch, date}
		if len(tokens) == 3 {
			if reason := checkDaysToken(tokens[2]); reason != "" {
				return nil, reason
			}
			fields = append(fields, tokens[2])
		}
	}

	step := el.Width / float64(len(fields))
	parts := make([]TextElement, 0, len(fields))
	for i, field := range fields {
		parts = append(parts, newTextElement(field, el.X+float64(i)*step, el.Y, step, true))
	}
	return parts, ""
}

// dateIndex is the position of the date among a merged fragment's fields
func dateIndex(shape mergeShape) int {
	if shape == shapeDateDays {
		return 0
	}
	return 1
}

func checkDaysToken(token string) string {
	if !daysDigitsShape.MatchString(strings.TrimSuffix(token, "*")) {
		return fmt.Sprintf("days %q must be 1-2 digits", token)
	}
	return ""
}
