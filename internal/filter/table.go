package filter

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Table maps a metadata column name to its per-cell values. All columns are
// index-aligned; "" marks a missing value.
type Table map[string][]string

// columnPriority lists columns shown ahead of the alphabetical rest.
var columnPriority = []string{"cell_type", "cluster", "cell_class", "cell_subtype"}

// Len returns the number of cells. Columns are expected to share a length;
// the longest one wins if they do not.
func (t Table) Len() int {
	n := 0
	for _, col := range t {
		if len(col) > n {
			n = len(col)
		}
	}
	return n
}

// Has reports whether the table has a non-empty column with the given name.
func (t Table) Has(column string) bool {
	return len(t[column]) > 0
}

// Columns returns the non-empty columns, priority columns first, then the
// rest in collation order.
func (t Table) Columns() []string {
	cols := make([]string, 0, len(t))
	for name, values := range t {
		if len(values) > 0 {
			cols = append(cols, name)
		}
	}
	return SortColumns(cols)
}

// SortColumns orders column names with the priority columns first.
func SortColumns(cols []string) []string {
	out := append([]string(nil), cols...)
	rank := func(c string) int {
		for i, p := range columnPriority {
			if p == c {
				return i
			}
		}
		return -1
	}
	coll := collate.New(language.English)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		switch {
		case ri != -1 && rj != -1:
			return ri < rj
		case ri != -1:
			return true
		case rj != -1:
			return false
		}
		return coll.CompareString(out[i], out[j]) < 0
	})
	return out
}

// Values returns the distinct non-missing values of a column in collation order.
func (t Table) Values(column string) []string {
	data, ok := t[column]
	if !ok {
		return nil
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, v := range data {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	coll := collate.New(language.English)
	coll.SortStrings(out)
	return out
}

// ValueCounts returns the number of cells holding each non-missing value.
func (t Table) ValueCounts(column string) map[string]int {
	data, ok := t[column]
	if !ok {
		return nil
	}
	counts := make(map[string]int)
	for _, v := range data {
		if v != "" {
			counts[v]++
		}
	}
	return counts
}
