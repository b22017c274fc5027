package filter

import (
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// ExpressionSource resolves a gene symbol to its cached per-cell expression
// vector. Lookup must not fetch; a missing gene makes its filters inert.
type ExpressionSource interface {
	Lookup(gene string) ([]float64, bool)
}

// fold accumulates filter results left to right. The logic recorded by one
// step governs how the next step merges into the result.
type fold struct {
	indices []int
	result  []int
	members *roaring.Bitmap
	started bool
	prev    Logic
}

func newFold(indices []int) *fold {
	return &fold{indices: indices, prev: LogicAnd}
}

func (f *fold) step(pass func(idx int) bool, logic Logic) {
	// OR re-expands the pool to the full input; AND narrows to the result.
	candidates := f.indices
	if f.started && f.prev != LogicOr {
		candidates = f.result
	}

	passing := roaring.New()
	order := make([]int, 0, len(candidates))
	for _, idx := range candidates {
		if pass(idx) {
			passing.Add(uint32(idx))
			order = append(order, idx)
		}
	}

	switch {
	case !f.started:
		f.result = order
		f.members = passing
	case f.prev == LogicOr:
		for _, idx := range order {
			if f.members.CheckedAdd(uint32(idx)) {
				f.result = append(f.result, idx)
			}
		}
	default:
		// Candidates were drawn from the result, so order is already the
		// intersection in result order.
		f.result = order
		f.members = passing
	}

	f.started = true
	f.prev = logic.Normalize()
}

func (f *fold) done() []int {
	if !f.started {
		return f.indices
	}
	return f.result
}

// ApplyCategoryFilters returns the subset of indices passing the combined
// category filters. Filters without values, and filters naming a column the
// table does not have, are skipped.
func ApplyCategoryFilters(indices []int, filters []CategoryFilter, table Table) []int {
	if len(filters) == 0 || table == nil {
		return indices
	}

	fl := newFold(indices)
	for _, cf := range filters {
		if !cf.Active() {
			continue
		}
		column, ok := table[cf.Column]
		if !ok {
			continue
		}

		set := make(map[string]struct{}, len(cf.Values))
		for _, v := range cf.Values {
			set[v] = struct{}{}
		}
		op := cf.Operator
		values := cf.Values
		fl.step(func(idx int) bool {
			return op.Matches(cellValue(column, idx), values, set)
		}, cf.Logic)
	}
	return fl.done()
}

// ApplyGeneFilters returns the subset of indices passing the combined gene
// filters. Filters whose gene has no cached expression are skipped.
func ApplyGeneFilters(indices []int, filters []GeneFilter, source ExpressionSource) []int {
	if len(filters) == 0 || source == nil {
		return indices
	}

	fl := newFold(indices)
	for _, gf := range filters {
		if strings.TrimSpace(gf.Gene) == "" {
			continue
		}
		expr, ok := source.Lookup(gf.Gene)
		if !ok {
			continue
		}

		op := gf.Operator
		threshold := gf.Value
		fl.step(func(idx int) bool {
			return op.Matches(expressionValue(expr, idx), threshold)
		}, gf.Logic)
	}
	return fl.done()
}

// Evaluate runs the combined pipeline over n cells. The category and gene
// groups are evaluated independently against [0, n) and merged by the
// state's global logic only when both groups have filters.
func Evaluate(n int, state State, table Table, source ExpressionSource) []int {
	if n <= 0 {
		return []int{}
	}

	all := Range(n)
	hasCategory := len(state.CategoryFilters) > 0
	hasGene := len(state.GeneFilters) > 0
	if !hasCategory && !hasGene {
		return all
	}

	categoryResult := all
	if hasCategory {
		categoryResult = ApplyCategoryFilters(all, state.CategoryFilters, table)
	}
	geneResult := all
	if hasGene {
		geneResult = ApplyGeneFilters(all, state.GeneFilters, source)
	}

	switch {
	case hasCategory && hasGene:
		if state.GlobalLogic.Normalize() == LogicOr {
			return union(categoryResult, geneResult)
		}
		return intersect(categoryResult, geneResult)
	case hasCategory:
		return categoryResult
	default:
		return geneResult
	}
}

// Range returns [0, n).
func Range(n int) []int {
	if n < 0 {
		n = 0
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func intersect(a, b []int) []int {
	keep := bitmapOf(b)
	out := make([]int, 0, len(a))
	for _, idx := range a {
		if keep.Contains(uint32(idx)) {
			out = append(out, idx)
		}
	}
	return out
}

// union keeps a's order and appends members of b not already present.
func union(a, b []int) []int {
	seen := roaring.New()
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, idx := range list {
			if seen.CheckedAdd(uint32(idx)) {
				out = append(out, idx)
			}
		}
	}
	return out
}

func bitmapOf(indices []int) *roaring.Bitmap {
	bm := roaring.New()
	for _, idx := range indices {
		bm.Add(uint32(idx))
	}
	return bm
}

func cellValue(column []string, idx int) string {
	if idx < 0 || idx >= len(column) {
		return ""
	}
	return column[idx]
}

func expressionValue(expr []float64, idx int) float64 {
	if idx < 0 || idx >= len(expr) {
		return 0
	}
	return expr[idx]
}
