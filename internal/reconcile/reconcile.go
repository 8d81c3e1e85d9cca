// Package reconcile provides line aggregation, merge and diff logic for carts.
// The sync coordinator uses it to pre-aggregate guest lines before a merge, the
// Cart Persistence Service uses it to sum merged quantities into stored carts, and
// the cart store uses it to describe what changed between two published snapshots.
package reconcile

import "cartsync/internal/model"

// AggregateLines collapses lines by ProductRef, summing quantities.
// Duplicate lines come from races in the guest add-to-cart path; merging
// them before the network call keeps the server from seeing the same product twice.
//
// Order is first-seen. The first occurrence's UnitPrice wins. Lines with a
// non-positive quantity are dropped since they violate the Quantity ≥ 1 invariant.
func AggregateLines(lines []model.CartLine) []model.CartLine {
	out := make([]model.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))

	for _, line := range lines {
		if line.Quantity < 1 || line.ProductRef == "" {
			continue
		}
		if i, exists := index[line.ProductRef]; exists {
			out[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductRef] = len(out)
		out = append(out, line)
	}

	return out
}

// MergeInto sums incoming lines into existing ones.
// A product already present keeps its stored UnitPrice and gains the incoming
// quantity; new products are appended in incoming order. Neither input is modified.
func MergeInto(existing, incoming []model.CartLine) []model.CartLine {
	merged := AggregateLines(existing)
	index := make(map[string]int, len(merged))
	for i, line := range merged {
		index[line.ProductRef] = i
	}

	for _, line := range AggregateLines(incoming) {
		if i, exists := index[line.ProductRef]; exists {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductRef] = len(merged)
		merged = append(merged, line)
	}

	return merged
}

// LineDiff describes the changes between two line lists.
type LineDiff struct {
	ToAdd    []model.CartLine // Products in next but not previous
	ToRemove []model.CartLine // Products in previous but not next
	ToUpdate []LineUpdate     // Products in both with different quantity or price
}

// LineUpdate is a product present in both lists whose quantity or unit price changed.
type LineUpdate struct {
	ProductRef  string
	OldQuantity int
	NewQuantity int
	OldPrice    model.Cents
	NewPrice    model.Cents
}

// IsEmpty returns true if no line changes were found.
func (d *LineDiff) IsEmpty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 && len(d.ToUpdate) == 0
}

// DiffLines computes the delta from previous to next, matching by ProductRef.
//
// Algorithm:
//  1. Build a lookup of previous lines by ProductRef
//  2. Walk next in order: present with different qty/price → update; absent → add
//  3. Walk previous in order: absent from next → remove
//
// Walking the slices rather than the maps keeps the output order deterministic.
func DiffLines(previous, next []model.CartLine) *LineDiff {
	diff := &LineDiff{}

	prevByRef := make(map[string]model.CartLine, len(previous))
	for _, line := range previous {
		prevByRef[line.ProductRef] = line
	}
	nextByRef := make(map[string]model.CartLine, len(next))
	for _, line := range next {
		nextByRef[line.ProductRef] = line
	}

	for _, line := range next {
		old, exists := prevByRef[line.ProductRef]
		if !exists {
			diff.ToAdd = append(diff.ToAdd, line)
			continue
		}
		if old.Quantity != line.Quantity || old.UnitPrice != line.UnitPrice {
			diff.ToUpdate = append(diff.ToUpdate, LineUpdate{
				ProductRef:  line.ProductRef,
				OldQuantity: old.Quantity,
				NewQuantity: line.Quantity,
				OldPrice:    old.UnitPrice,
				NewPrice:    line.UnitPrice,
			})
		}
	}

	for _, line := range previous {
		if _, exists := nextByRef[line.ProductRef]; !exists {
			diff.ToRemove = append(diff.ToRemove, line)
		}
	}

	return diff
}
