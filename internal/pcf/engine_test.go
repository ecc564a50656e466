package pcf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pcferrors "github.com/adverant/nexus/pcf-worker/internal/errors"
)

// line builds a recognized line whose box is 20px tall and centered on y
func line(text string, x, y, width float64) RecognizedLine {
	return RecognizedLine{
		Text:        text,
		BoundingBox: BoundingBox{Left: x, Top: y - 10, Right: x + width, Bottom: y + 10},
	}
}

func header() RecognizedLine {
	return line("Product Description Batch Best Before Days", 10, 100, 600)
}

func footer() RecognizedLine {
	return line("The Pallet and the Plastic Program", 10, 300, 400)
}

// row lays out one printed row across the five columns
func row(y float64, product, description, batch, bestBefore, days string) []RecognizedLine {
	var lines []RecognizedLine
	for _, cell := range []struct {
		text string
		x, w float64
	}{
		{product, 10, 50},
		{description, 100, 250},
		{batch, 400, 90},
		{bestBefore, 500, 90},
		{days, 600, 20},
	} {
		if cell.text != "" {
			lines = append(lines, line(cell.text, cell.x, y, cell.w))
		}
	}
	return lines
}

func multiRowPage() []RecognizedLine {
	lines := []RecognizedLine{
		line("Pallet Control Form", 10, 20, 300),
		line("123456789012345678", 400, 40, 200),
		line("Page: 1 / 2", 500, 60, 80),
		header(),
	}
	lines = append(lines, row(150, "34117", "MISSION CORN TORTILLA", "AB12345678", "11/25/2024", "3")...)
	lines = append(lines, row(190, "34118", "MISSION FLOUR TORTILLA", "CD98765432", "12/01/2024", "12*")...)
	lines = append(lines, row(230, "4410", "GUERRERO TOSTADAS", "EF11223344", "01/15/2025", "")...)
	lines = append(lines, line("TOTAL: 3", 10, 265, 80))
	lines = append(lines, footer())
	return lines
}

func TestProcess_CleanSingleRow(t *testing.T) {
	lines := []RecognizedLine{
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("AB12345678", 400, 150, 90),
		line("11/25/2024 3", 500, 150, 120),
		footer(),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)

	assert.Equal(t, ProcessedItem{
		Product:     "34117",
		Description: "MISSION CORN TORTILLA",
		Batch:       "AB12345678",
		BestBefore:  "11/25/2024",
		Days:        "3",
		Y:           150,
	}, result.LineItems[0])
	assert.Empty(t, result.ContainerCode)
	assert.Nil(t, result.PageInfo)
	assert.Zero(t, result.Rejections())
}

func TestProcess_MergedBatchDateDays(t *testing.T) {
	lines := []RecognizedLine{
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("AB1234567O 11/25/2O24 3*", 400, 150, 240),
		footer(),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)

	item := result.LineItems[0]
	assert.Equal(t, "AB1234567O", item.Batch)
	assert.Equal(t, "11/25/2024", item.BestBefore)
	assert.Equal(t, "3*", item.Days)
	assert.True(t, item.ShortCoded)

	require.NotEmpty(t, result.Diagnostics)
	assert.Equal(t, DiagnosticFieldDegradation, result.Diagnostics[0].Kind)
	assert.Equal(t, "11/25/2O24", result.Diagnostics[0].Text)
}

func TestProcess_MissingHeader(t *testing.T) {
	lines := []RecognizedLine{
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		footer(),
	}

	result, err := Process(lines)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, pcferrors.IsStructural(err))

	var se *pcferrors.StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Product", se.Anchor)
	assert.Equal(t, pcferrors.ErrorAnchorNotFound, se.Code)
}

func TestProcess_EmptyInputIsStructural(t *testing.T) {
	_, err := Process(nil)
	assert.True(t, pcferrors.IsStructural(err))
}

func TestProcess_MultiRowPage(t *testing.T) {
	result, err := Process(multiRowPage())
	require.NoError(t, err)
	require.Len(t, result.LineItems, 3)

	assert.Equal(t, "34117", result.LineItems[0].Product)
	assert.Equal(t, "34118", result.LineItems[1].Product)
	assert.Equal(t, "12*", result.LineItems[1].Days)
	assert.True(t, result.LineItems[1].ShortCoded)
	assert.Equal(t, "4410", result.LineItems[2].Product)
	assert.Equal(t, "01/15/2025", result.LineItems[2].BestBefore)
	assert.Empty(t, result.LineItems[2].Days)

	assert.Equal(t, "123456789012345678", result.ContainerCode)
	require.NotNil(t, result.PageInfo)
	assert.Equal(t, PageInfo{Current: 1, Total: 2}, *result.PageInfo)
}

func TestProcess_Idempotent(t *testing.T) {
	lines := multiRowPage()

	first, err := Process(lines)
	require.NoError(t, err)
	second, err := Process(lines)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProcess_RowOrderIndependentOfInputOrder(t *testing.T) {
	lines := multiRowPage()
	want, err := Process(lines)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := append([]RecognizedLine(nil), lines...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, err := Process(shuffled)
		require.NoError(t, err)
		require.Len(t, got.LineItems, len(want.LineItems))
		for j := range got.LineItems {
			assert.Equal(t, want.LineItems[j], got.LineItems[j])
			if j > 0 {
				assert.Less(t, got.LineItems[j-1].Y, got.LineItems[j].Y)
			}
		}
	}
}

func TestProcess_MandatoryFields(t *testing.T) {
	lines := multiRowPage()
	// a bare product code with nothing to its right is noise
	lines = append(lines, line("55555", 10, 250, 50))

	result, err := Process(lines)
	require.NoError(t, err)

	for _, item := range result.LineItems {
		assert.Regexp(t, `^\d{4,5}$`, item.Product)
		assert.NotEmpty(t, item.Description)
	}
	assert.Equal(t, 1, result.Rejections())
}

func TestProcess_SharedRightNeighborIsNotReused(t *testing.T) {
	// Products at 150 and 180 both sit within half a row of one description.
	lines := []RecognizedLine{
		header(),
		line("11111", 10, 150, 50),
		line("22222", 10, 180, 50),
		line("33333", 10, 250, 50),
		line("SKEWED DESCRIPTION", 100, 165, 250),
		line("LAST DESCRIPTION", 100, 250, 250),
		footer(),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 2)
	assert.Equal(t, "11111", result.LineItems[0].Product)
	assert.Equal(t, "SKEWED DESCRIPTION", result.LineItems[0].Description)
	assert.Equal(t, "33333", result.LineItems[1].Product)

	seen := map[string]string{}
	for _, item := range result.LineItems {
		for _, field := range []string{item.Product, item.Description, item.Batch, item.BestBefore, item.Days} {
			if field == "" {
				continue
			}
			prev, dup := seen[field]
			assert.False(t, dup, "%q used by %s and %s", field, prev, item.Product)
			seen[field] = item.Product
		}
	}

	var reasons []string
	for _, d := range result.Diagnostics {
		if d.Kind == DiagnosticRowRejection {
			reasons = append(reasons, d.Reason)
		}
	}
	assert.Contains(t, reasons, "right neighbor already belongs to another row")
	assert.Contains(t, reasons, "product code has no description to its right")
	// only the product left without a description is a skipped row
	assert.Equal(t, 1, result.Rejections())
}

func TestProcess_RowsOutsideBandAreIgnored(t *testing.T) {
	lines := []RecognizedLine{
		line("99999", 10, 50, 50),
		line("ABOVE HEADER", 100, 50, 200),
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		footer(),
		line("88888", 10, 350, 50),
		line("BELOW FOOTER", 100, 350, 200),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.Equal(t, "34117", result.LineItems[0].Product)
}

func TestProcess_MissingFooterLeavesBandOpen(t *testing.T) {
	lines := []RecognizedLine{
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("34118", 10, 900, 50),
		line("MISSION FLOUR TORTILLA", 100, 900, 250),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	assert.Len(t, result.LineItems, 2)
}

func TestProcess_BadSplitDropsMergedElement(t *testing.T) {
	lines := []RecognizedLine{
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("AB12345678 13/45/2024 3", 400, 150, 240),
		footer(),
	}

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)

	item := result.LineItems[0]
	assert.Empty(t, item.Batch)
	assert.Empty(t, item.BestBefore)
	assert.Empty(t, item.Days)
	assert.Zero(t, result.Rejections(), "the row itself is kept")
	require.NotEmpty(t, result.Diagnostics)
	assert.Equal(t, DiagnosticRowRejection, result.Diagnostics[0].Kind)
	assert.Equal(t, StageCollector, result.Diagnostics[0].Stage)
	assert.Equal(t, ScopeElement, result.Diagnostics[0].Scope)
}

func TestProcess_UncorrectableDateBecomesAbsent(t *testing.T) {
	lines := append([]RecognizedLine{header()},
		row(150, "34117", "MISSION CORN TORTILLA", "AB12345678", "02/30/2024", "3")...)
	lines = append(lines, footer())

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)

	item := result.LineItems[0]
	assert.Equal(t, "AB12345678", item.Batch)
	assert.Empty(t, item.BestBefore)
	assert.Equal(t, "3", item.Days)
	assert.Zero(t, result.Rejections())
}

func TestDocumentResult_RejectionsCountsSkippedRowsOnly(t *testing.T) {
	tests := []struct {
		name  string
		diags []Diagnostic
		want  int
	}{
		{"none", nil, 0},
		{"skipped row", []Diagnostic{{Kind: DiagnosticRowRejection, Scope: ScopeRow}}, 1},
		{"dropped field", []Diagnostic{{Kind: DiagnosticRowRejection, Scope: ScopeField}}, 0},
		{"dropped element", []Diagnostic{{Kind: DiagnosticRowRejection, Scope: ScopeElement}}, 0},
		{"degradation", []Diagnostic{{Kind: DiagnosticFieldDegradation}}, 0},
		{"mixed", []Diagnostic{
			{Kind: DiagnosticRowRejection, Scope: ScopeRow},
			{Kind: DiagnosticRowRejection, Scope: ScopeField},
			{Kind: DiagnosticRowRejection, Scope: ScopeElement},
			{Kind: DiagnosticRowRejection, Scope: ScopeRow},
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &DocumentResult{Diagnostics: tt.diags}
			assert.Equal(t, tt.want, result.Rejections())
		})
	}
}

func TestProcess_CorrectedDateIsDegradation(t *testing.T) {
	lines := append([]RecognizedLine{header()},
		row(150, "34117", "MISSION CORN TORTILLA", "AB12345678", "11-25-2O24", "3")...)
	lines = append(lines, footer())

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.Equal(t, "11/25/2024", result.LineItems[0].BestBefore)

	var kinds []DiagnosticKind
	for _, d := range result.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, DiagnosticFieldDegradation)
	assert.Zero(t, result.Rejections())
}

func TestProcess_LowercaseIsFlaggedNotRejected(t *testing.T) {
	lines := append([]RecognizedLine{header()},
		row(150, "34117", "MISSION CORN TORTILLA", "AB1234567o", "11/25/2024", "3")...)
	lines = append(lines, footer())

	result, err := Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.Equal(t, "AB1234567o", result.LineItems[0].Batch)

	found := false
	for _, d := range result.Diagnostics {
		if d.Kind == DiagnosticSuspiciousLowercase && d.Text == "AB1234567o" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcess_HeaderFields(t *testing.T) {
	lines := multiRowPage()
	lines = append(lines,
		line("Loading Date", 10, 40, 100),
		line("11/20/2024", 130, 42, 90),
		line("Delivery #: 556677", 10, 70, 150),
	)

	result, err := Process(lines)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Loading Date": "11/20/2024",
		"Delivery #":   "556677",
	}, result.HeaderFields)
}

func TestNewEngine_CustomOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.HeaderAnchor = "Item"
	opts.MinYear, opts.MaxYear = 2020, 2030

	engine, err := NewEngine(opts)
	require.NoError(t, err)

	lines := []RecognizedLine{
		line("Item Description", 10, 100, 300),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("AB12345678", 400, 150, 90),
		line("11/25/2035", 500, 150, 90),
	}

	result, err := engine.Process(lines)
	require.NoError(t, err)
	require.Len(t, result.LineItems, 1)
	assert.Empty(t, result.LineItems[0].BestBefore)
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"empty header anchor", func(o *Options) { o.HeaderAnchor = " " }},
		{"inverted years", func(o *Options) { o.MinYear, o.MaxYear = 2030, 2020 }},
		{"zero row gap", func(o *Options) { o.MaxRowGap = 0 }},
		{"bad noise pattern", func(o *Options) { o.NoisePattern = "(" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			_, err := NewEngine(opts)
			assert.Error(t, err)
		})
	}
}
