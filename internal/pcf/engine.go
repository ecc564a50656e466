/**
 * Pallet Control Form reconstruction engine
 *
 * Process turns the recognizer's line list into a DocumentResult:
 * bounds -> elements -> neighbor graph -> rows -> metadata.
 * An Engine holds only immutable options, so one instance can serve
 * concurrent callers; every call owns its own element arena.
 */

package pcf

import (
	"fmt"
	"regexp"
	"strings"
)

// Options tunes the reconstruction. Zero values are not defaults; start from DefaultOptions.
type Options struct {
	HeaderAnchor             string
	FooterAnchor             string
	AnchorMargin             float64
	MaxRowGap                float64
	FallbackLineSpacing      float64
	ColumnTolerance          float64
	LabelRadius              float64
	MinYear                  int
	MaxYear                  int
	LabeledFields            []string
	NoisePattern             string
	CheckNeighborConsistency bool
}

// DefaultOptions returns the settings for the printed Pallet Control Form
func DefaultOptions() Options {
	return Options{
		HeaderAnchor:             "Product",
		FooterAnchor:             "The Pallet and the Plastic",
		AnchorMargin:             10,
		MaxRowGap:                100,
		FallbackLineSpacing:      35,
		ColumnTolerance:          10,
		LabelRadius:              15,
		MinYear:                  1900,
		MaxYear:                  2100,
		LabeledFields:            []string{"Loading Date", "Delivery #"},
		NoisePattern:             `TOTAL:|Units|Issue`,
		CheckNeighborConsistency: true,
	}
}

// Validate checks option ranges
func (o Options) Validate() error {
	if strings.TrimSpace(o.HeaderAnchor) == "" {
		return fmt.Errorf("header anchor is required")
	}
	if o.AnchorMargin < 0 {
		return fmt.Errorf("anchor margin must not be negative, got %v", o.AnchorMargin)
	}
	if o.MaxRowGap <= 0 {
		return fmt.Errorf("max row gap must be positive, got %v", o.MaxRowGap)
	}
	if o.FallbackLineSpacing <= 0 {
		return fmt.Errorf("fallback line spacing must be positive, got %v", o.FallbackLineSpacing)
	}
	if o.ColumnTolerance <= 0 {
		return fmt.Errorf("column tolerance must be positive, got %v", o.ColumnTolerance)
	}
	if o.LabelRadius < 0 {
		return fmt.Errorf("label radius must not be negative, got %v", o.LabelRadius)
	}
	if o.MinYear > o.MaxYear {
		return fmt.Errorf("min year %d is after max year %d", o.MinYear, o.MaxYear)
	}
	return nil
}

// Engine runs the reconstruction pipeline
type Engine struct {
	opts  Options
	dates DateCorrector
	noise *regexp.Regexp
}

// NewEngine creates a new engine
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}

	var noise *regexp.Regexp
	if opts.NoisePattern != "" {
		re, err := regexp.Compile(opts.NoisePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid noise pattern: %w", err)
		}
		noise = re
	}

	opts.LabeledFields = append([]string(nil), opts.LabeledFields...)

	return &Engine{
		opts:  opts,
		dates: DateCorrector{MinYear: opts.MinYear, MaxYear: opts.MaxYear},
		noise: noise,
	}, nil
}

var defaultEngine = mustNewEngine(DefaultOptions())

func mustNewEngine(opts Options) *Engine {
	e, err := NewEngine(opts)
	if err != nil {
		panic(err)
	}
	return e
}

// Process runs the engine with DefaultOptions
func Process(lines []RecognizedLine) (*DocumentResult, error) {
	return defaultEngine.Process(lines)
}

// Dates returns the engine's date corrector
func (e *Engine) Dates() DateCorrector {
	return e.dates
}

// Process rebuilds the line-item table from recognized lines.
// The only error is a *errors.StructuralError for a missing header anchor.
func (e *Engine) Process(lines []RecognizedLine) (*DocumentResult, error) {
	band, err := DetectBounds(lines, e.opts.HeaderAnchor, e.opts.FooterAnchor, e.opts.AnchorMargin)
	if err != nil {
		return nil, err
	}

	var diags diagnostics

	// Step 1: elements and merged-cell splitting
	elements := collectElements(lines, band, e.noise, e.dates, &diags)
	claimed := make([]bool, len(elements))

	// Step 2: neighbor graph over the whole band before any row is claimed
	spacing := estimateLineSpacing(elements, e.opts.MaxRowGap, e.opts.FallbackLineSpacing)
	buildGraph(elements, claimed, spacing, e.opts.ColumnTolerance)
	e.inspect(elements, &diags)

	// Step 3: rows
	items := assembleRows(elements, claimed, fieldValidator{dates: e.dates, diags: &diags}, &diags)

	// Step 4: document metadata
	route, business := extractBottomLeft(lines, band, e.opts.FooterAnchor)
	return &DocumentResult{
		LineItems:     items,
		ContainerCode: extractContainerCode(lines),
		PageInfo:      extractPageInfo(lines, &diags),
		HeaderFields:  ExtractLabeledFields(lines, e.opts.LabeledFields, e.opts.LabelRadius),
		RouteNumber:   route,
		BusinessName:  business,
		Diagnostics:   diags,
	}, nil
}

// inspect records advisory diagnostics; it never changes elements
func (e *Engine) inspect(elements []TextElement, diags *diagnostics) {
	for i, el := range elements {
		if !el.InBounds {
			continue
		}

		if kind, ok := SuspectLowercase(el.Text); ok {
			diags.add(DiagnosticSuspiciousLowercase, StageValidator, el.Text,
				fmt.Sprintf("%s field contains lowercase letters", kind), el.Y)
		}

		if !e.opts.CheckNeighborConsistency {
			continue
		}
		res := CheckNeighbors(Classify(el.Text), neighborKinds(elements, i))
		if !res.IsValid {
			diags.add(DiagnosticNeighborMismatch, StageValidator, el.Text,
				res.Issue+": "+res.SuggestedFix, el.Y)
		}
	}
}
