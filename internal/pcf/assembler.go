/**
 * Row Assembler
 *
 * Walks product codes top to bottom and follows right-neighbor links
 * (product -> description -> batch -> best-before -> days) to build one
 * line item per product. Claimed elements never join a second row.
 */

package pcf

import (
	"sort"
	"strings"
)

func assembleRows(elements []TextElement, claimed []bool, v fieldValidator, diags *diagnostics) []ProcessedItem {
	var products []int
	for i, el := range elements {
		if el.InBounds && !claimed[i] && productPattern.MatchString(el.Text) {
			products = append(products, i)
		}
	}
	sort.SliceStable(products, func(a, b int) bool {
		return elements[products[a]].Y < elements[products[b]].Y
	})

	items := make([]ProcessedItem, 0, len(products))
	for _, p := range products {
		if claimed[p] {
			continue
		}
		claimed[p] = true
		product := elements[p]

		desc, ok := followRight(elements, claimed, p, diags)
		if !ok {
			diags.reject(StageAssembler, ScopeRow, product.Text, "product code has no description to its right", product.Y)
			continue
		}
		claimed[desc] = true

		// batch, best-before, days
		var trailing [3]string
		cur := desc
		for k := range trailing {
			next, ok := followRight(elements, claimed, cur, diags)
			if !ok {
				break
			}
			claimed[next] = true
			trailing[k] = elements[next].Text
			cur = next
		}

		item := ProcessedItem{
			Product:     product.Text,
			Description: elements[desc].Text,
			Batch:       v.batch(trailing[0], product.Y),
			BestBefore:  v.bestBefore(trailing[1], product.Y),
			Days:        v.days(trailing[2], product.Y),
			Y:           product.Y,
		}
		item.ShortCoded = strings.HasSuffix(item.Days, "*")
		items = append(items, item)
	}

	sort.SliceStable(items, func(a, b int) bool { return items[a].Y < items[b].Y })
	return items
}

// followRight returns the right neighbor of element i unless an earlier row already claimed it
func followRight(elements []TextElement, claimed []bool, i int, diags *diagnostics) (int, bool) {
	next, ok := elements[i].Neighbor(Right)
	if !ok {
		return noNeighbor, false
	}
	if claimed[next] {
		diags.reject(StageAssembler, ScopeElement, elements[next].Text, "right neighbor already belongs to another row", elements[i].Y)
		return noNeighbor, false
	}
	return next, true
}
