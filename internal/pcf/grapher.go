/**
 * Neighbor Grapher
 *
 * Links every in-band element to its nearest neighbor in each compass
 * direction. Row spacing comes from the vertical gaps between product
 * codes and sizes the directional gates.
 */

package pcf

import (
	"math"
	"sort"
)

// estimateLineSpacing averages the gaps between consecutive product codes,
// ignoring gaps of maxGap or more. fallback is used when no gap qualifies.
func estimateLineSpacing(elements []TextElement, maxGap, fallback float64) float64 {
	var ys []float64
	for _, el := range elements {
		if el.InBounds && productPattern.MatchString(el.Text) {
			ys = append(ys, el.Y)
		}
	}
	sort.Float64s(ys)

	sum, n := 0.0, 0
	for i := 1; i < len(ys); i++ {
		gap := ys[i] - ys[i-1]
		if gap < maxGap {
			sum += gap
			n++
		}
	}

	if n == 0 || sum <= 0 {
		return fallback
	}
	return sum / float64(n)
}

// buildGraph resolves neighbor links for all in-band elements in one pass.
// It must complete before any row claims an element.
func buildGraph(elements []TextElement, claimed []bool, spacing, columnTolerance float64) {
	for i := range elements {
		if !elements[i].InBounds {
			continue
		}
		for d := Top; d < numDirections; d++ {
			elements[i].Neighbors[d] = nearestNeighbor(elements, claimed, i, d, spacing, columnTolerance)
		}
	}
}

func nearestNeighbor(elements []TextElement, claimed []bool, from int, d Direction, spacing, columnTolerance float64) int {
	origin := elements[from]
	best, bestDist := noNeighbor, math.Inf(1)

	for j := range elements {
		cand := &elements[j]
		if j == from || !cand.InBounds || claimed[j] {
			continue
		}

		dx, dy := cand.X-origin.X, cand.Y-origin.Y
		if !passesGate(d, dx, dy, spacing, columnTolerance) {
			continue
		}

		if dist := math.Hypot(dx, dy); dist < bestDist {
			best, bestDist = j, dist
		}
	}

	return best
}

func passesGate(d Direction, dx, dy, spacing, columnTolerance float64) bool {
	switch d {
	case Right:
		return dx > 0 && math.Abs(dy) < spacing/2
	case Left:
		return dx < 0 && math.Abs(dy) < spacing/2
	case Top:
		return dy < 0 && math.Abs(dx) < columnTolerance && math.Abs(dy) < spacing*1.5
	case Bottom:
		return dy > 0 && math.Abs(dx) < columnTolerance && math.Abs(dy) < spacing*1.5
	default:
		return false
	}
}

// neighborKinds classifies the elements linked around element i
func neighborKinds(elements []TextElement, i int) NeighborKinds {
	var kinds NeighborKinds
	for d := Top; d < numDirections; d++ {
		if idx, ok := elements[i].Neighbor(d); ok {
			kinds[d] = Classify(elements[idx].Text)
		}
	}
	return kinds
}
