/**
 * Pallet Control Form data model
 *
 * Recognized lines come in from the text recognizer, positioned elements
 * live in a per-document arena while the table is rebuilt, and line items
 * leave as an immutable DocumentResult.
 */

package pcf

import (
	"math"
	"time"
)

// BoundingBox is a recognized line's rectangle in image pixel space
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Width returns the horizontal extent of the box
func (b BoundingBox) Width() float64 {
	return b.Right - b.Left
}

// CenterY returns the vertical center of the box
func (b BoundingBox) CenterY() float64 {
	return (b.Top + b.Bottom) / 2
}

// RecognizedLine is one fragment returned by the text recognizer
type RecognizedLine struct {
	Text        string      `json:"text"`
	BoundingBox BoundingBox `json:"boundingBox"`
}

// Direction is a compass direction used for neighbor links
type Direction int

const (
	Top Direction = iota
	Bottom
	Left
	Right

	numDirections
)

func (d Direction) String() string {
	switch d {
	case Top:
		return "top"
	case Bottom:
		return "bottom"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// noNeighbor marks an empty neighbor slot
const noNeighbor = -1

// TextElement is one positioned fragment after band filtering and splitting.
// Neighbors hold arena indices, noNeighbor when absent.
type TextElement struct {
	Text      string
	X         float64
	Y         float64
	Width     float64
	CharCount int
	InBounds  bool
	Neighbors [numDirections]int
}

func newTextElement(text string, x, y, width float64, inBounds bool) TextElement {
	e := TextElement{
		Text:      text,
		X:         x,
		Y:         y,
		Width:     width,
		CharCount: len([]rune(text)),
		InBounds:  inBounds,
	}
	for d := range e.Neighbors {
		e.Neighbors[d] = noNeighbor
	}
	return e
}

// Neighbor returns the arena index linked in direction d
func (e *TextElement) Neighbor(d Direction) (int, bool) {
	idx := e.Neighbors[d]
	return idx, idx != noNeighbor
}

// ProcessedItem is one reconstructed table row. Empty optional fields are absent.
type ProcessedItem struct {
	Product     string  `json:"product"`
	Description string  `json:"description"`
	Batch       string  `json:"batch,omitempty"`
	BestBefore  string  `json:"bestBefore,omitempty"`
	Days        string  `json:"days,omitempty"`
	ShortCoded  bool    `json:"shortCoded,omitempty"`
	Y           float64 `json:"-"`
}

// BestBeforeDate parses the normalized best-before date
func (p ProcessedItem) BestBeforeDate() (time.Time, bool) {
	if p.BestBefore == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, p.BestBefore)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DaysUntilExpiry returns whole days from now's calendar date until best-before.
// Negative values mean the item has expired.
func (p ProcessedItem) DaysUntilExpiry(now time.Time) (int, bool) {
	bb, ok := p.BestBeforeDate()
	if !ok {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(math.Round(bb.Sub(today).Hours() / 24)), true
}

// PageInfo is the "Page N / M" marker of a scanned page
type PageInfo struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// DocumentResult is the structured output for one scanned page
type DocumentResult struct {
	LineItems     []ProcessedItem   `json:"lineItems"`
	ContainerCode string            `json:"containerCode"`
	PageInfo      *PageInfo         `json:"pageInfo,omitempty"`
	HeaderFields  map[string]string `json:"headerFields,omitempty"`
	RouteNumber   string            `json:"routeNumber,omitempty"`
	BusinessName  string            `json:"businessName,omitempty"`
	Diagnostics   []Diagnostic      `json:"diagnostics,omitempty"`
}

// Rejections counts rows skipped while building the result. Dropped fields
// and elements are reported in Diagnostics but not counted here.
func (r *DocumentResult) Rejections() int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.Kind == DiagnosticRowRejection && d.Scope == ScopeRow {
			n++
		}
	}
	return n
}
