/**
 * Field Validator / Corrector
 *
 * Classifies fragment text into field kinds, repairs OCR-confusable
 * characters in dates, and checks that a field's neighbors are the kinds
 * a Pallet Control Form row would put there.
 */

package pcf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const dateLayout = "01/02/2006"

var (
	productPattern  = regexp.MustCompile(`^\d{4,5}$`)
	batchPattern    = regexp.MustCompile(`^[A-Z0-9]{8,}$`)
	batchFieldRule  = regexp.MustCompile(`^[A-Za-z0-9]{8,}$`)
	datePattern     = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
	looseDateShape  = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`)
	daysPattern     = regexp.MustCompile(`^\d{1,2}\*?$`)
	daysDigitsShape = regexp.MustCompile(`^\d{1,2}$`)

	// dateReplacer maps OCR-confusable characters onto digits and separators
	dateReplacer = strings.NewReplacer(
		"O", "0", "o", "0",
		"I", "1", "i", "1", "l", "1",
		"r", "/", "R", "/", "\\", "/", ":", "/", "-", "/", ".", "/",
	)
	// digitReplacer is dateReplacer without the separator rules
	digitReplacer = strings.NewReplacer(
		"O", "0", "o", "0",
		"I", "1", "i", "1", "l", "1",
	)
)

// FieldKind is the closed set of cell kinds on a Pallet Control Form row
type FieldKind int

const (
	// KindNone is the zero value and stands for "no element"
	KindNone FieldKind = iota
	KindProduct
	KindDescription
	KindBatch
	KindDate
	KindDays
	KindUnknown
)

func (k FieldKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindProduct:
		return "product"
	case KindDescription:
		return "description"
	case KindBatch:
		return "batch"
	case KindDate:
		return "date"
	case KindDays:
		return "days"
	default:
		return "unknown"
	}
}

// Classify returns the field kind of a fragment's text
func Classify(text string) FieldKind {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return KindUnknown
	case productPattern.MatchString(text):
		return KindProduct
	case datePattern.MatchString(text):
		return KindDate
	case daysPattern.MatchString(text):
		return KindDays
	case batchPattern.MatchString(text) && strings.ContainsAny(text, "0123456789"):
		return KindBatch
	case looseDateShape.MatchString(dateReplacer.Replace(text)):
		return KindDate
	case strings.IndexFunc(text, unicode.IsLetter) >= 0:
		return KindDescription
	default:
		return KindUnknown
	}
}

// DateCorrector repairs and validates best-before dates
type DateCorrector struct {
	MinYear int
	MaxYear int
}

// Correct returns the date normalized to MM/DD/YYYY, or false when it cannot be repaired
func (c DateCorrector) Correct(raw string) (string, bool) {
	parts := strings.Split(dateReplacer.Replace(strings.TrimSpace(raw)), "/")
	if len(parts) != 3 {
		return "", false
	}

	month, ok := parseDigits(parts[0], 1, 2)
	if !ok || month < 1 || month > 12 {
		return "", false
	}
	day, ok := parseDigits(parts[1], 1, 2)
	if !ok || day < 1 {
		return "", false
	}
	year, ok := parseDigits(parts[2], 4, 4)
	if !ok || year < c.MinYear || year > c.MaxYear {
		return "", false
	}
	if day > daysInMonth(year, month) {
		return "", false
	}

	return fmt.Sprintf("%02d/%02d/%04d", month, day, year), true
}

func parseDigits(s string, minLen, maxLen int) (int, bool) {
	if len(s) < minLen || len(s) > maxLen {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// daysInMonth handles leap-year February
func daysInMonth(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// isAllowedMixedCase lists unit words printed in mixed case on the form
func isAllowedMixedCase(text string) bool {
	switch text {
	case "Tray", "Tote":
		return true
	}
	return false
}

// SuspectLowercase reports whether a fragment looks like a coded field
// (product, batch, date or days) but contains a lowercase letter.
func SuspectLowercase(text string) (FieldKind, bool) {
	text = strings.TrimSpace(text)
	if strings.IndexFunc(text, unicode.IsLower) < 0 || isAllowedMixedCase(text) {
		return KindNone, false
	}

	folded := digitReplacer.Replace(text)
	switch {
	case productPattern.MatchString(folded):
		return KindProduct, true
	case daysPattern.MatchString(folded):
		return KindDays, true
	case looseDateShape.MatchString(dateReplacer.Replace(text)):
		return KindDate, true
	}

	upper := strings.ToUpper(text)
	if batchPattern.MatchString(upper) && strings.ContainsAny(upper, "0123456789") {
		return KindBatch, true
	}
	return KindNone, false
}

// NeighborKinds holds the classified kind of each neighbor, KindNone when absent
type NeighborKinds [numDirections]FieldKind

// ValidationResult is the outcome of an advisory neighbor check
type ValidationResult struct {
	IsValid      bool   `json:"isValid"`
	Issue        string `json:"issue,omitempty"`
	SuggestedFix string `json:"suggestedFix,omitempty"`
}

func invalid(issue, fix string) ValidationResult {
	return ValidationResult{IsValid: false, Issue: issue, SuggestedFix: fix}
}

// CheckNeighbors asserts the neighbor kinds expected around a field of the given kind
func CheckNeighbors(kind FieldKind, n NeighborKinds) ValidationResult {
	left, right := n[Left], n[Right]

	switch kind {
	case KindNone:
		return ValidationResult{IsValid: true}

	case KindProduct:
		if left != KindNone {
			return invalid(
				fmt.Sprintf("product code has a %s to its left", left),
				"product codes open a row; a stray fragment may sit in the first column")
		}
		if right == KindProduct || right == KindBatch {
			return invalid(
				fmt.Sprintf("product code is followed by a %s instead of a description", right),
				"the description may be missing or merged into another cell")
		}

	case KindDescription:
		if left != KindNone && left != KindProduct {
			return invalid(
				fmt.Sprintf("description has a %s to its left", left),
				"expected the row's product code to the left")
		}
		if right != KindNone && right != KindBatch {
			return invalid(
				fmt.Sprintf("description is followed by a %s instead of a batch", right),
				"the batch may be misread or merged with the date")
		}

	case KindBatch:
		if left != KindNone && left != KindDescription {
			return invalid(
				fmt.Sprintf("batch has a %s to its left", left),
				"expected the description to the left of the batch")
		}
		if right != KindNone && right != KindDate {
			return invalid(
				fmt.Sprintf("batch is followed by a %s instead of a date", right),
				"check the best-before date for OCR errors")
		}

	case KindDate:
		if left != KindBatch {
			return invalid(
				fmt.Sprintf("date's left neighbor is %s, expected a batch", left),
				"the batch may be missing or merged with the date")
		}
		if right != KindNone && right != KindDays {
			return invalid(
				fmt.Sprintf("date is followed by a %s instead of a days field", right),
				"check the days column for OCR errors")
		}

	case KindDays:
		if left != KindNone && left != KindDate {
			return invalid(
				fmt.Sprintf("days field has a %s to its left", left),
				"expected the best-before date to the left")
		}
		if right != KindNone {
			return invalid(
				fmt.Sprintf("days field has a %s to its right", right),
				"days is the last column; the fragment to the right is page furniture or a split error")
		}

	case KindUnknown:
		return invalid("fragment does not match any known field", "check the fragment for OCR errors")
	}

	return ValidationResult{IsValid: true}
}

// fieldValidator checks the optional trailing fields of an assembled row
type fieldValidator struct {
	dates DateCorrector
	diags *diagnostics
}

func (v fieldValidator) batch(text string, y float64) string {
	if text == "" {
		return ""
	}
	if !batchFieldRule.MatchString(text) {
		v.diags.reject(StageValidator, ScopeField, text, "batch must be at least 8 alphanumeric characters", y)
		return ""
	}
	return text
}

func (v fieldValidator) bestBefore(text string, y float64) string {
	if text == "" {
		return ""
	}
	corrected, ok := v.dates.Correct(text)
	if !ok {
		v.diags.reject(StageValidator, ScopeField, text, "best-before date could not be corrected", y)
		return ""
	}
	if corrected != text {
		v.diags.add(DiagnosticFieldDegradation, StageValidator, text,
			fmt.Sprintf("best-before date corrected to %s", corrected), y)
	}
	return corrected
}

func (v fieldValidator) days(text string, y float64) string {
	if text == "" {
		return ""
	}
	if !daysPattern.MatchString(text) {
		v.diags.reject(StageValidator, ScopeField, text, "days must be 1-2 digits with an optional trailing *", y)
		return ""
	}
	return text
}
