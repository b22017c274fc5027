package filter

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary is the headline view of a session's filter result.
type Summary struct {
	TotalCells       int     `json:"totalCells"`
	FilteredCells    int     `json:"filteredCells"`
	Percentage       float64 `json:"percentage"`
	ActiveFilters    int     `json:"activeFilters"`
	HasActiveFilters bool    `json:"hasActiveFilters"`
}

// TotalCells returns the number of cells in the metadata table.
func (e *Engine) TotalCells() int {
	return e.n
}

// FilteredIndices evaluates the current filters and returns the passing cell
// indices.
func (e *Engine) FilteredIndices() []int {
	e.mu.RLock()
	st := State{CategoryFilters: e.category, GeneFilters: e.gene, GlobalLogic: e.globalLogic}
	indices := Evaluate(e.n, st, e.table, e.expr)
	e.mu.RUnlock()
	return indices
}

// FilteredCount returns the number of passing cells.
func (e *Engine) FilteredCount() int {
	return len(e.FilteredIndices())
}

// Percentage returns filtered/total*100 rounded to one decimal, or 0 when
// there are no cells.
func (e *Engine) Percentage() float64 {
	return PercentOf(e.FilteredCount(), e.n)
}

// PercentOf returns filtered/total*100 rounded to one decimal, or 0 when
// total is 0.
func PercentOf(filtered, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(filtered)/float64(total)*1000) / 10
}

// ActiveFilterCount returns the number of filters in both groups, including
// inert ones.
func (e *Engine) ActiveFilterCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.category) + len(e.gene)
}

// Summary computes counts from a single evaluation.
func (e *Engine) Summary() Summary {
	filtered := e.FilteredCount()
	active := e.ActiveFilterCount()
	return Summary{
		TotalCells:       e.n,
		FilteredCells:    filtered,
		Percentage:       PercentOf(filtered, e.n),
		ActiveFilters:    active,
		HasActiveFilters: active > 0,
	}
}

// FilteredValues lists the distinct values of column among the filtered
// cells, in order of first appearance.
func (e *Engine) FilteredValues(column string) []string {
	data, ok := e.table[column]
	if !ok {
		return []string{}
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, idx := range e.FilteredIndices() {
		v := cellValue(data, idx)
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// FilteredCellTypes lists the cell types present among the filtered cells.
func (e *Engine) FilteredCellTypes() []string {
	return e.FilteredValues("cell_type")
}

// ColumnInfo describes one filterable metadata column.
type ColumnInfo struct {
	Name   string         `json:"name"`
	Values []string       `json:"values"`
	Counts map[string]int `json:"counts"`
}

// Columns describes every filterable column in display order.
func (e *Engine) Columns() []ColumnInfo {
	names := e.table.Columns()
	out := make([]ColumnInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ColumnInfo{
			Name:   name,
			Values: e.table.Values(name),
			Counts: e.table.ValueCounts(name),
		})
	}
	return out
}

// ExpressionSummary describes one gene's expression over the filtered cells.
type ExpressionSummary struct {
	Gene              string  `json:"gene"`
	Cells             int     `json:"cells"`
	Mean              float64 `json:"mean"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	PercentExpressing float64 `json:"percentExpressing"`
}

// ExpressionSummary summarises a cached gene over the filtered cells. It
// reports false when the gene is not cached.
func (e *Engine) ExpressionSummary(gene string) (ExpressionSummary, bool) {
	if e.expr == nil {
		return ExpressionSummary{}, false
	}
	expr, ok := e.expr.Lookup(gene)
	if !ok {
		return ExpressionSummary{}, false
	}

	indices := e.FilteredIndices()
	out := ExpressionSummary{Gene: gene, Cells: len(indices)}
	if len(indices) == 0 {
		return out, true
	}

	values := make([]float64, len(indices))
	expressing := 0
	for i, idx := range indices {
		values[i] = expressionValue(expr, idx)
		if values[i] > 0 {
			expressing++
		}
	}
	out.Mean = stat.Mean(values, nil)
	out.Min = floats.Min(values)
	out.Max = floats.Max(values)
	out.PercentExpressing = PercentOf(expressing, len(values))
	return out, true
}

// CoExpression counts filtered cells by whether each of two genes is
// expressed (> 0).
type CoExpression struct {
	Gene1     string `json:"gene1"`
	Gene2     string `json:"gene2"`
	Cells     int    `json:"cells"`
	Both      int    `json:"both"`
	Gene1Only int    `json:"gene1Only"`
	Gene2Only int    `json:"gene2Only"`
	Neither   int    `json:"neither"`
}

// CoExpression reports false unless both genes are cached.
func (e *Engine) CoExpression(gene1, gene2 string) (CoExpression, bool) {
	if e.expr == nil {
		return CoExpression{}, false
	}
	expr1, ok1 := e.expr.Lookup(gene1)
	expr2, ok2 := e.expr.Lookup(gene2)
	if !ok1 || !ok2 {
		return CoExpression{}, false
	}

	out := CoExpression{Gene1: gene1, Gene2: gene2}
	for _, idx := range e.FilteredIndices() {
		out.Cells++
		has1 := expressionValue(expr1, idx) > 0
		has2 := expressionValue(expr2, idx) > 0
		switch {
		case has1 && has2:
			out.Both++
		case has1:
			out.Gene1Only++
		case has2:
			out.Gene2Only++
		default:
			out.Neither++
		}
	}
	return out, true
}
