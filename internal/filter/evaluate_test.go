package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string][]float64

func (m mapSource) Lookup(gene string) ([]float64, bool) {
	v, ok := m[strings.ToUpper(gene)]
	return v, ok
}

func testTable() Table {
	return Table{
		"cell_type": {"A", "A", "B", "B", "C"},
		"region":    {"ARC", "PVH", "ARC", "", "PVH"},
	}
}

func cat(column string, op CategoryOp, logic Logic, values ...string) CategoryFilter {
	return CategoryFilter{ID: NewID(), Column: column, Operator: op, Values: values, Logic: logic}
}

func gene(name string, op GeneOp, value float64, logic Logic) GeneFilter {
	return GeneFilter{ID: NewID(), Gene: name, Operator: op, Value: value, Logic: logic}
}

func TestApplyCategoryFilters(t *testing.T) {
	table := testTable()
	all := Range(5)

	tests := []struct {
		name    string
		filters []CategoryFilter
		want    []int
	}{
		{
			name:    "in",
			filters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "A", "B")},
			want:    []int{0, 1, 2, 3},
		},
		{
			name: "in then not_equals",
			filters: []CategoryFilter{
				cat("cell_type", OpIn, LogicAnd, "A", "B"),
				cat("cell_type", OpNotEquals, LogicAnd, "A"),
			},
			want: []int{2, 3},
		},
		{
			name:    "not_in",
			filters: []CategoryFilter{cat("cell_type", OpNotIn, LogicAnd, "A")},
			want:    []int{2, 3, 4},
		},
		{
			name:    "equals with several values matches nothing",
			filters: []CategoryFilter{cat("cell_type", OpEquals, LogicAnd, "A", "B")},
			want:    []int{},
		},
		{
			name:    "missing value compares as empty",
			filters: []CategoryFilter{cat("region", OpNotIn, LogicAnd, "ARC", "PVH")},
			want:    []int{3},
		},
		{
			name: "OR appends in filter order",
			filters: []CategoryFilter{
				cat("cell_type", OpIn, LogicOr, "C"),
				cat("cell_type", OpIn, LogicAnd, "A"),
			},
			want: []int{4, 0, 1},
		},
		{
			name: "OR then AND narrows the union",
			filters: []CategoryFilter{
				cat("cell_type", OpIn, LogicOr, "A"),
				cat("cell_type", OpIn, LogicAnd, "C"),
				cat("region", OpEquals, LogicAnd, "PVH"),
			},
			want: []int{1, 4},
		},
		{
			name: "empty values are inert",
			filters: []CategoryFilter{
				cat("cell_type", OpIn, LogicAnd),
				cat("cell_type", OpIn, LogicAnd, "B"),
			},
			want: []int{2, 3},
		},
		{
			name:    "unknown column is inert",
			filters: []CategoryFilter{cat("batch", OpIn, LogicAnd, "x")},
			want:    []int{0, 1, 2, 3, 4},
		},
		{
			name:    "only inert filters",
			filters: []CategoryFilter{cat("cell_type", OpNotIn, LogicAnd)},
			want:    []int{0, 1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyCategoryFilters(all, tt.filters, table)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyCategoryFilters_Idempotent(t *testing.T) {
	table := testTable()
	f := cat("cell_type", OpIn, LogicAnd, "A", "C")

	once := ApplyCategoryFilters(Range(5), []CategoryFilter{f}, table)
	twice := ApplyCategoryFilters(Range(5), []CategoryFilter{f, f}, table)
	assert.Equal(t, once, twice)
}

func TestApplyGeneFilters(t *testing.T) {
	source := mapSource{
		"GENE1": {0, 5, 0, 3, 9},
		"GENE2": {1, 0, 2, 0, 0},
	}

	tests := []struct {
		name    string
		filters []GeneFilter
		want    []int
	}{
		{
			name:    "greater than",
			filters: []GeneFilter{gene("GENE1", OpGreater, 2, LogicAnd)},
			want:    []int{1, 3, 4},
		},
		{
			name:    "lookup ignores case",
			filters: []GeneFilter{gene("gene1", OpLessEqual, 3, LogicAnd)},
			want:    []int{0, 2, 3},
		},
		{
			name: "AND",
			filters: []GeneFilter{
				gene("GENE1", OpGreater, 0, LogicAnd),
				gene("GENE1", OpNotEqual, 5, LogicAnd),
			},
			want: []int{3, 4},
		},
		{
			name: "OR",
			filters: []GeneFilter{
				gene("GENE1", OpGreaterEqual, 9, LogicOr),
				gene("GENE2", OpEqual, 2, LogicAnd),
			},
			want: []int{4, 2},
		},
		{
			name: "uncached gene is skipped",
			filters: []GeneFilter{
				gene("MISSING", OpGreater, 100, LogicAnd),
				gene("GENE2", OpGreater, 0, LogicAnd),
			},
			want: []int{0, 2},
		},
		{
			name:    "blank gene is skipped",
			filters: []GeneFilter{gene("  ", OpGreater, 100, LogicAnd)},
			want:    []int{0, 1, 2, 3, 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyGeneFilters(Range(5), tt.filters, source)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate(t *testing.T) {
	table := testTable()
	source := mapSource{"GENE1": {0, 0, 0, 3, 9}}

	t.Run("no cells", func(t *testing.T) {
		st := State{CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "A")}}
		assert.Equal(t, []int{}, Evaluate(0, st, table, source))
	})

	t.Run("no filters", func(t *testing.T) {
		assert.Equal(t, []int{0, 1, 2, 3, 4}, Evaluate(5, State{}, table, source))
	})

	t.Run("global OR", func(t *testing.T) {
		st := State{
			CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "A")},
			GeneFilters:     []GeneFilter{gene("GENE1", OpGreater, 2, LogicAnd)},
			GlobalLogic:     LogicOr,
		}
		assert.Equal(t, []int{0, 1, 3, 4}, Evaluate(5, st, table, source))
	})

	t.Run("global OR keeps category order first", func(t *testing.T) {
		st := State{
			CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "C")},
			GeneFilters:     []GeneFilter{gene("GENE1", OpGreater, 2, LogicAnd)},
			GlobalLogic:     LogicOr,
		}
		assert.Equal(t, []int{4, 3}, Evaluate(5, st, table, source))
	})

	t.Run("global AND", func(t *testing.T) {
		st := State{
			CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "B", "C")},
			GeneFilters:     []GeneFilter{gene("GENE1", OpGreater, 2, LogicAnd)},
		}
		assert.Equal(t, []int{3, 4}, Evaluate(5, st, table, source))
	})

	t.Run("global OR with an inert group keeps everything", func(t *testing.T) {
		st := State{
			CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "A")},
			GeneFilters:     []GeneFilter{gene("NOT_CACHED", OpGreater, 2, LogicAnd)},
			GlobalLogic:     LogicOr,
		}
		assert.Len(t, Evaluate(5, st, table, source), 5)
	})

	t.Run("nil source", func(t *testing.T) {
		st := State{GeneFilters: []GeneFilter{gene("GENE1", OpGreater, 2, LogicAnd)}}
		assert.Equal(t, []int{0, 1, 2, 3, 4}, Evaluate(5, st, table, nil))
	})

	t.Run("result is a subset in ascending order under AND", func(t *testing.T) {
		st := State{
			CategoryFilters: []CategoryFilter{cat("region", OpIn, LogicAnd, "ARC", "PVH")},
			GeneFilters:     []GeneFilter{gene("GENE1", OpGreaterEqual, 0, LogicAnd)},
		}
		got := Evaluate(5, st, table, source)
		require.NotEmpty(t, got)
		assert.IsIncreasing(t, got)
	})
}

func TestParseOperators(t *testing.T) {
	l, err := ParseLogic("or")
	require.NoError(t, err)
	assert.Equal(t, LogicOr, l)

	l, err = ParseLogic("")
	require.NoError(t, err)
	assert.Equal(t, LogicAnd, l)

	_, err = ParseLogic("XOR")
	assert.Error(t, err)

	op, err := ParseCategoryOp("NOT_IN")
	require.NoError(t, err)
	assert.Equal(t, OpNotIn, op)

	_, err = ParseCategoryOp("contains")
	assert.Error(t, err)

	gop, err := ParseGeneOp("")
	require.NoError(t, err)
	assert.Equal(t, OpGreater, gop)

	_, err = ParseGeneOp("=>")
	assert.Error(t, err)
}

func TestStateClone(t *testing.T) {
	st := State{
		CategoryFilters: []CategoryFilter{cat("cell_type", OpIn, LogicAnd, "A")},
		GeneFilters:     []GeneFilter{{ID: "g", Gene: "Agrp", Loading: true}},
	}
	cp := st.WithoutLoading()
	cp.CategoryFilters[0].Values[0] = "Z"

	assert.Equal(t, "A", st.CategoryFilters[0].Values[0])
	assert.True(t, st.GeneFilters[0].Loading)
	assert.False(t, cp.GeneFilters[0].Loading)
	assert.Equal(t, LogicAnd, cp.GlobalLogic)
}

func TestTable(t *testing.T) {
	table := Table{
		"zeta":      {"1", "2"},
		"alpha":     {"b", "a"},
		"cluster":   {"c2", "c1"},
		"cell_type": {"Neuron", ""},
		"empty":     {},
	}

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []string{"cell_type", "cluster", "alpha", "zeta"}, table.Columns())
	assert.Equal(t, []string{"Neuron"}, table.Values("cell_type"))
	assert.Equal(t, []string{"c1", "c2"}, table.Values("cluster"))
	assert.Nil(t, table.Values("missing"))
	assert.Equal(t, map[string]int{"Neuron": 1}, table.ValueCounts("cell_type"))
}
