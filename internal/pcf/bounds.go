/**
 * Bounds Detector
 *
 * Locates the header and footer anchor phrases and returns the vertical
 * band holding the line-item rows. Also extracts labeled header fields
 * such as "Loading Date" and "Delivery #".
 */

package pcf

import (
	"math"
	"regexp"
	"strings"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
)

// Band is the vertical range of the line-item table. FooterY is +Inf when no footer was found.
type Band struct {
	HeaderY float64
	FooterY float64
}

// Contains reports whether y lies strictly inside the band
func (b Band) Contains(y float64) bool {
	return y > b.HeaderY && y < b.FooterY
}

// Bounded reports whether a footer anchor closed the band
func (b Band) Bounded() bool {
	return !math.IsInf(b.FooterY, 1)
}

func containsFold(text, phrase string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}

// DetectBounds finds the table band. A missing header anchor is a structural error.
func DetectBounds(lines []RecognizedLine, headerAnchor, footerAnchor string, margin float64) (Band, error) {
	header := -1
	for i, line := range lines {
		if !containsFold(line.Text, headerAnchor) {
			continue
		}
		if header < 0 || line.BoundingBox.Top < lines[header].BoundingBox.Top {
			header = i
		}
	}
	if header < 0 {
		return Band{}, pcferrors.NewAnchorNotFoundError(headerAnchor)
	}

	band := Band{
		HeaderY: lines[header].BoundingBox.Bottom + margin,
		FooterY: math.Inf(1),
	}

	if footerAnchor == "" {
		return band, nil
	}

	footer := -1
	for i, line := range lines {
		if i == header || !containsFold(line.Text, footerAnchor) {
			continue
		}
		if line.BoundingBox.Top <= lines[header].BoundingBox.Bottom {
			continue
		}
		if footer < 0 || line.BoundingBox.Top < lines[footer].BoundingBox.Top {
			footer = i
		}
	}
	if footer >= 0 {
		band.FooterY = lines[footer].BoundingBox.Top - margin
	}

	return band, nil
}

// ExtractLabeledFields returns the value printed next to each label, keyed by label.
// The value is taken from the label's own fragment when text follows the label,
// otherwise from the nearest fragment to the right (center y within radius) or
// directly below (left edge within radius, gap within radius).
func ExtractLabeledFields(lines []RecognizedLine, labels []string, radius float64) map[string]string {
	fields := make(map[string]string)

	for _, label := range labels {
		idx := findLabel(lines, label)
		if idx < 0 {
			continue
		}
		labelLine := lines[idx]

		if rest := textAfterLabel(labelLine.Text, label); rest != "" {
			fields[label] = rest
			continue
		}

		if value, ok := nearestRightOf(lines, idx, radius); ok {
			fields[label] = value
			continue
		}
		if value, ok := nearestBelow(lines, idx, radius); ok {
			fields[label] = value
		}
	}

	return fields
}

func findLabel(lines []RecognizedLine, label string) int {
	found := -1
	for i, line := range lines {
		if !containsFold(line.Text, label) {
			continue
		}
		if found < 0 || line.BoundingBox.Top < lines[found].BoundingBox.Top {
			found = i
		}
	}
	return found
}

// textAfterLabel matches the label case-insensitively on the original text.
// Offsets from a lowered copy are not usable: case mapping can change byte length.
func textAfterLabel(text, label string) string {
	if label == "" {
		return ""
	}
	loc := regexp.MustCompile("(?i)" + regexp.QuoteMeta(label)).FindStringIndex(text)
	if loc == nil {
		return ""
	}
	rest := text[loc[1]:]
	return strings.TrimSpace(strings.TrimLeft(rest, " :#-\t"))
}

func nearestRightOf(lines []RecognizedLine, idx int, radius float64) (string, bool) {
	label := lines[idx].BoundingBox
	best, bestGap := -1, math.Inf(1)

	for i, line := range lines {
		if i == idx || strings.TrimSpace(line.Text) == "" {
			continue
		}
		box := line.BoundingBox
		if box.Left <= label.Left || math.Abs(box.CenterY()-label.CenterY()) > radius {
			continue
		}
		gap := math.Abs(box.Left - label.Right)
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}

	if best < 0 {
		return "", false
	}
	return strings.TrimSpace(lines[best].Text), true
}

func nearestBelow(lines []RecognizedLine, idx int, radius float64) (string, bool) {
	label := lines[idx].BoundingBox
	best, bestGap := -1, math.Inf(1)

	for i, line := range lines {
		if i == idx || strings.TrimSpace(line.Text) == "" {
			continue
		}
		box := line.BoundingBox
		if box.CenterY() <= label.CenterY() || math.Abs(box.Left-label.Left) > radius {
			continue
		}
		gap := box.Top - label.Bottom
		if gap > radius {
			continue
		}
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}

	if best < 0 {
		return "", false
	}
	return strings.TrimSpace(lines[best].Text), true
}

// VerifyAnchorText reports whether any trimmed line contains the expected text
func VerifyAnchorText(lines []RecognizedLine, expected string) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	for _, line := range lines {
		if strings.Contains(strings.TrimSpace(line.Text), expected) {
			return true
		}
	}
	return false
}
