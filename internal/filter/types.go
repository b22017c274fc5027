// Package filter implements multi-dimensional cell filtering over categorical
// metadata and gene expression.
//
// Filters are evaluated as a left fold: the Logic stored on filter i decides
// how the running result merges with filter i+1. Category filters and gene
// filters form two independent groups that are merged at the end by the
// state's GlobalLogic.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrFilterNotFound is returned when a filter id is not part of the engine state.
var ErrFilterNotFound = errors.New("filter not found")

// Logic combines two filter results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ParseLogic parses "AND" or "OR" (case-insensitive). An empty string is AND.
func ParseLogic(s string) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		return LogicAnd, nil
	case "OR":
		return LogicOr, nil
	}
	return "", fmt.Errorf("invalid logic %q (expected AND or OR)", s)
}

// Normalize maps the zero value to AND.
func (l Logic) Normalize() Logic {
	if l == LogicOr {
		return LogicOr
	}
	return LogicAnd
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Logic) UnmarshalText(text []byte) error {
	v, err := ParseLogic(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// CategoryOp is the comparison applied by a category filter.
type CategoryOp string

const (
	OpIn        CategoryOp = "in"
	OpNotIn     CategoryOp = "not_in"
	OpEquals    CategoryOp = "equals"
	OpNotEquals CategoryOp = "not_equals"
)

// ParseCategoryOp parses a category operator. An empty string is "in".
func ParseCategoryOp(s string) (CategoryOp, error) {
	switch CategoryOp(strings.ToLower(strings.TrimSpace(s))) {
	case "", OpIn:
		return OpIn, nil
	case OpNotIn:
		return OpNotIn, nil
	case OpEquals:
		return OpEquals, nil
	case OpNotEquals:
		return OpNotEquals, nil
	}
	return "", fmt.Errorf("invalid category operator %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *CategoryOp) UnmarshalText(text []byte) error {
	v, err := ParseCategoryOp(string(text))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

// Matches reports whether a cell value passes the operator. set holds the
// same members as values.
func (op CategoryOp) Matches(value string, values []string, set map[string]struct{}) bool {
	switch op {
	case OpNotIn:
		_, ok := set[value]
		return !ok
	case OpEquals:
		return len(values) == 1 && value == values[0]
	case OpNotEquals:
		return len(values) == 1 && value != values[0]
	default:
		_, ok := set[value]
		return ok
	}
}

// GeneOp is the numeric comparison applied by a gene filter.
type GeneOp string

const (
	OpGreater      GeneOp = ">"
	OpLess         GeneOp = "<"
	OpGreaterEqual GeneOp = ">="
	OpLessEqual    GeneOp = "<="
	OpEqual        GeneOp = "=="
	OpNotEqual     GeneOp = "!="
)

// ParseGeneOp parses a gene operator. An empty string is ">".
func ParseGeneOp(s string) (GeneOp, error) {
	switch GeneOp(strings.TrimSpace(s)) {
	case "", OpGreater:
		return OpGreater, nil
	case OpLess:
		return OpLess, nil
	case OpGreaterEqual:
		return OpGreaterEqual, nil
	case OpLessEqual:
		return OpLessEqual, nil
	case OpEqual:
		return OpEqual, nil
	case OpNotEqual:
		return OpNotEqual, nil
	}
	return "", fmt.Errorf("invalid gene operator %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *GeneOp) UnmarshalText(text []byte) error {
	v, err := ParseGeneOp(string(text))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

// Matches compares an expression value against the threshold.
func (op GeneOp) Matches(value, threshold float64) bool {
	switch op {
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return value > threshold
	}
}

// CategoryFilter restricts cells by membership of a metadata column value in
// Values. A filter with no values is inert.
type CategoryFilter struct {
	ID       string     `json:"id"`
	Column   string     `json:"column"`
	Operator CategoryOp `json:"operator"`
	Values   []string   `json:"values"`
	Logic    Logic      `json:"logic"`
}

// Active reports whether the filter takes part in evaluation.
func (f CategoryFilter) Active() bool {
	return len(f.Values) > 0
}

func (f CategoryFilter) clone() CategoryFilter {
	out := f
	out.Values = append(make([]string, 0, len(f.Values)), f.Values...)
	return out
}

// GeneFilter restricts cells by comparing one gene's expression to Value.
// Loading is derived from outstanding fetches and never persisted as true.
type GeneFilter struct {
	ID       string  `json:"id"`
	Gene     string  `json:"gene"`
	Operator GeneOp  `json:"operator"`
	Value    float64 `json:"value"`
	Logic    Logic   `json:"logic"`
	Loading  bool    `json:"isLoading"`
}

// State is a complete filter configuration. Slice order is evaluation order.
type State struct {
	CategoryFilters []CategoryFilter `json:"categoryFilters"`
	GeneFilters     []GeneFilter     `json:"geneFilters"`
	GlobalLogic     Logic            `json:"globalLogic"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := State{
		CategoryFilters: make([]CategoryFilter, len(s.CategoryFilters)),
		GeneFilters:     make([]GeneFilter, len(s.GeneFilters)),
		GlobalLogic:     s.GlobalLogic.Normalize(),
	}
	for i, f := range s.CategoryFilters {
		out.CategoryFilters[i] = f.clone()
	}
	copy(out.GeneFilters, s.GeneFilters)
	return out
}

// WithoutLoading returns a deep copy with every gene filter's loading flag cleared.
func (s State) WithoutLoading() State {
	out := s.Clone()
	for i := range out.GeneFilters {
		out.GeneFilters[i].Loading = false
	}
	return out
}

// Genes lists the distinct non-empty genes referenced by gene filters, in
// filter order.
func (s State) Genes() []string {
	seen := make(map[string]struct{}, len(s.GeneFilters))
	var out []string
	for _, f := range s.GeneFilters {
		g := strings.TrimSpace(f.Gene)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// NewID returns a fresh identifier for filters and presets.
func NewID() string {
	return "filter_" + uuid.NewString()
}
