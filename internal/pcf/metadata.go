package pcf

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	containerCodePattern = regexp.MustCompile(`^\d{15,}$`)
	pageInfoPattern      = regexp.MustCompile(`(?i)^page:?\s*(\d+)\s*(?:/|of)\s*(\d+)$`)
	routeNumberPattern   = regexp.MustCompile(`^\d{6}$`)
	businessNamePattern  = regexp.MustCompile(`[A-Za-z&\s]{3,}`)
)

// extractContainerCode returns the first long digit run on the page, spaces ignored
func extractContainerCode(lines []RecognizedLine) string {
	for _, line := range lines {
		compact := strings.ReplaceAll(strings.TrimSpace(line.Text), " ", "")
		if containerCodePattern.MatchString(compact) {
			return compact
		}
	}
	return ""
}

func extractPageInfo(lines []RecognizedLine, diags *diagnostics) *PageInfo {
	for _, line := range lines {
		text := strings.TrimSpace(line.Text)
		m := pageInfoPattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		current, err1 := strconv.Atoi(m[1])
		total, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil || current < 1 || current > total {
			diags.reject(StageMetadata, ScopeElement, text, fmt.Sprintf("implausible page marker %s of %s", m[1], m[2]),
				line.BoundingBox.CenterY())
			continue
		}
		return &PageInfo{Current: current, Total: total}
	}
	return nil
}

// extractBottomLeft reads the route number and business name printed in the
// left half of the page below the footer anchor. Without a footer the table
// runs to the bottom of the page and nothing is extracted.
func extractBottomLeft(lines []RecognizedLine, band Band, footerAnchor string) (route, business string) {
	if !band.Bounded() || len(lines) == 0 {
		return "", ""
	}

	minLeft, maxRight := math.Inf(1), math.Inf(-1)
	for _, line := range lines {
		minLeft = math.Min(minLeft, line.BoundingBox.Left)
		maxRight = math.Max(maxRight, line.BoundingBox.Right)
	}
	midX := (minLeft + maxRight) / 2

	var region []RecognizedLine
	for _, line := range lines {
		if line.BoundingBox.CenterY() <= band.FooterY || line.BoundingBox.Left >= midX {
			continue
		}
		if footerAnchor != "" && containsFold(line.Text, footerAnchor) {
			continue
		}
		region = append(region, line)
	}
	sort.SliceStable(region, func(i, j int) bool {
		return region[i].BoundingBox.CenterY() < region[j].BoundingBox.CenterY()
	})

	// later lines win, as the block is read top to bottom
	for _, line := range region {
		text := strings.TrimSpace(line.Text)
		switch {
		case routeNumberPattern.MatchString(text):
			route = text
		case businessNamePattern.MatchString(text):
			business = text
		}
	}
	return route, business
}
