package pcf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBounds(t *testing.T) {
	t.Run("header and footer", func(t *testing.T) {
		band, err := DetectBounds([]RecognizedLine{header(), footer()}, "Product", "The Pallet and the Plastic", 10)
		require.NoError(t, err)
		assert.Equal(t, 120.0, band.HeaderY)
		assert.Equal(t, 280.0, band.FooterY)
		assert.True(t, band.Bounded())
		assert.True(t, band.Contains(150))
		assert.False(t, band.Contains(120))
		assert.False(t, band.Contains(280))
	})

	t.Run("case insensitive anchors", func(t *testing.T) {
		lines := []RecognizedLine{
			line("PRODUCT", 10, 100, 80),
			line("the pallet AND THE plastic", 10, 300, 300),
		}
		band, err := DetectBounds(lines, "Product", "The Pallet and the Plastic", 10)
		require.NoError(t, err)
		assert.True(t, band.Bounded())
	})

	t.Run("missing footer is unbounded", func(t *testing.T) {
		band, err := DetectBounds([]RecognizedLine{header()}, "Product", "The Pallet and the Plastic", 10)
		require.NoError(t, err)
		assert.False(t, band.Bounded())
		assert.True(t, math.IsInf(band.FooterY, 1))
		assert.True(t, band.Contains(1e6))
	})

	t.Run("topmost header wins", func(t *testing.T) {
		lines := []RecognizedLine{
			line("DAIRY PRODUCT", 100, 200, 200),
			header(),
		}
		band, err := DetectBounds(lines, "Product", "", 10)
		require.NoError(t, err)
		assert.Equal(t, 120.0, band.HeaderY)
	})

	t.Run("footer above header is ignored", func(t *testing.T) {
		lines := []RecognizedLine{
			line("The Pallet and the Plastic", 10, 40, 300),
			header(),
		}
		band, err := DetectBounds(lines, "Product", "The Pallet and the Plastic", 10)
		require.NoError(t, err)
		assert.False(t, band.Bounded())
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := DetectBounds([]RecognizedLine{footer()}, "Product", "The Pallet and the Plastic", 10)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Product")
	})
}

func TestExtractLabeledFields(t *testing.T) {
	lines := []RecognizedLine{
		line("Loading Date", 10, 40, 100),
		line("11/20/2024", 130, 45, 90),
		line("Route", 400, 40, 60),
		line("Delivery #", 10, 80, 90),
		line("556677", 12, 102, 60),
		line("Driver", 10, 200, 60),
	}

	fields := ExtractLabeledFields(lines, []string{"Loading Date", "Delivery #", "Driver", "Seal #"}, 15)

	assert.Equal(t, "11/20/2024", fields["Loading Date"])
	assert.Equal(t, "556677", fields["Delivery #"])
	assert.NotContains(t, fields, "Driver")
	assert.NotContains(t, fields, "Seal #")
}

func TestExtractLabeledFields_InlineValue(t *testing.T) {
	lines := []RecognizedLine{line("LOADING DATE: 11/20/2024", 10, 40, 200)}

	fields := ExtractLabeledFields(lines, []string{"Loading Date"}, 15)
	assert.Equal(t, "11/20/2024", fields["Loading Date"])
}

func TestExtractLabeledFields_NonASCIIPrefix(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"lowercase grows", "Ⱥ Loading Date: 11/20/2024"},
		{"lowercase shrinks", "İ Loading Date: 11/20/2024"},
		{"accented", "Kühne Loading Date 11/20/2024"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lines := []RecognizedLine{line(tc.text, 10, 40, 300)}

			var fields map[string]string
			require.NotPanics(t, func() {
				fields = ExtractLabeledFields(lines, []string{"Loading Date"}, 15)
			})
			assert.Equal(t, "11/20/2024", fields["Loading Date"])
		})
	}
}

func TestProcess_NonASCIIHeaderLine(t *testing.T) {
	lines := []RecognizedLine{
		line("Ⱥ Loading Date", 10, 20, 200),
		line("11/20/2024", 230, 20, 90),
		line("İ Delivery # 4471", 10, 50, 200),
		header(),
		line("34117", 10, 150, 50),
		line("MISSION CORN TORTILLA", 100, 150, 250),
		line("AB12345678", 400, 150, 90),
		line("11/25/2024 3", 500, 150, 120),
		footer(),
	}

	var result *DocumentResult
	var err error
	require.NotPanics(t, func() {
		result, err = Process(lines)
	})
	require.NoError(t, err)
	assert.Equal(t, "11/20/2024", result.HeaderFields["Loading Date"])
	assert.Equal(t, "4471", result.HeaderFields["Delivery #"])
	require.Len(t, result.LineItems, 1)
}

func TestVerifyAnchorText(t *testing.T) {
	lines := []RecognizedLine{
		line("  ROUTE 104522  ", 10, 40, 200),
		line("Pallet Control Form", 10, 80, 200),
	}

	tests := []struct {
		expected string
		want     bool
	}{
		{"104522", true},
		{"ROUTE", true},
		{"Pallet Control", true},
		{" 104522 ", true},
		{"999999", false},
		{"route", false},
		{"", false},
		{"   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyAnchorText(lines, tt.expected))
		})
	}
}

func TestExtractPageInfo(t *testing.T) {
	tests := []struct {
		text string
		want *PageInfo
	}{
		{"Page: 1 / 2", &PageInfo{Current: 1, Total: 2}},
		{"Page:3/3", &PageInfo{Current: 3, Total: 3}},
		{"page 2 of 4", &PageInfo{Current: 2, Total: 4}},
		{"Page: 3 / 2", nil},
		{"Page: 0 / 2", nil},
		{"Pages total 4", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var diags diagnostics
			assert.Equal(t, tt.want, extractPageInfo([]RecognizedLine{line(tt.text, 10, 10, 100)}, &diags))
		})
	}
}

func TestExtractBottomLeft(t *testing.T) {
	page := func(extra ...RecognizedLine) []RecognizedLine {
		return append([]RecognizedLine{
			header(),
			line("34117", 10, 150, 50),
			line("MISSION CORN TORTILLA", 100, 150, 250),
			footer(),
		}, extra...)
	}
	bandFor := func(t *testing.T, lines []RecognizedLine) Band {
		band, err := DetectBounds(lines, "Product", "The Pallet and the Plastic", 10)
		require.NoError(t, err)
		return band
	}

	tests := []struct {
		name         string
		lines        []RecognizedLine
		wantRoute    string
		wantBusiness string
	}{
		{
			name: "route and business below footer",
			lines: page(
				line("FIESTA MART & DELI", 10, 330, 200),
				line("482913", 10, 360, 60),
			),
			wantRoute:    "482913",
			wantBusiness: "FIESTA MART & DELI",
		},
		{
			name: "right half is ignored",
			lines: page(
				line("482913", 10, 360, 60),
				line("DRIVER SIGNATURE", 450, 340, 160),
				line("777777", 450, 380, 60),
			),
			wantRoute: "482913",
		},
		{
			name: "rows above the footer are not the route",
			lines: page(
				line("123456", 10, 200, 60),
				line("CORNER STORE", 10, 340, 120),
			),
			wantBusiness: "CORNER STORE",
		},
		{
			name:  "seven digits is not a route",
			lines: page(line("4829130", 10, 360, 70)),
		},
		{
			name: "lower line wins",
			lines: page(
				line("CORNER STORE", 10, 380, 120),
				line("ACME", 10, 340, 60),
			),
			wantBusiness: "CORNER STORE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, business := extractBottomLeft(tt.lines, bandFor(t, tt.lines), "The Pallet and the Plastic")
			assert.Equal(t, tt.wantRoute, route)
			assert.Equal(t, tt.wantBusiness, business)
		})
	}

	t.Run("no footer", func(t *testing.T) {
		lines := []RecognizedLine{header(), line("482913", 10, 900, 60)}
		route, business := extractBottomLeft(lines, bandFor(t, lines), "The Pallet and the Plastic")
		assert.Empty(t, route)
		assert.Empty(t, business)
	})
}

func TestProcess_BottomLeftBlock(t *testing.T) {
	lines := append(multiRowPage(),
		line("FIESTA MART & DELI", 10, 330, 200),
		line("482913", 10, 360, 60),
	)

	result, err := Process(lines)
	require.NoError(t, err)
	assert.Equal(t, "482913", result.RouteNumber)
	assert.Equal(t, "FIESTA MART & DELI", result.BusinessName)
	assert.Len(t, result.LineItems, 3)
}

func TestExtractContainerCode(t *testing.T) {
	assert.Equal(t, "123456789012345", extractContainerCode([]RecognizedLine{
		line("12345678901234", 10, 10, 100),
		line("12345 67890 12345", 10, 30, 100),
	}))
	assert.Empty(t, extractContainerCode([]RecognizedLine{line("CONTAINER 1234", 10, 10, 100)}))
}
