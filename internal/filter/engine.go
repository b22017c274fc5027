package filter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ExpressionStore is the session-wide expression cache the engine reads from
// and asks to fetch missing genes.
type ExpressionStore interface {
	ExpressionSource
	Get(ctx context.Context, gene string) ([]float64, error)
	Prefetch(ctx context.Context, genes []string) error
	Loading(gene string) bool
	LoadingGenes() []string
	LastError() string
	GeneErrors() map[string]string
	ClearError()
}

// PresetSource resolves a stored preset to a filter state.
type PresetSource interface {
	Load(id string) (State, bool)
}

// Engine owns the filter state of one session. Callers only ever receive
// copies; all mutation goes through the engine's methods.
type Engine struct {
	mu          sync.RWMutex
	table       Table
	n           int
	expr        ExpressionStore
	category    []CategoryFilter
	gene        []GeneFilter
	globalLogic Logic
	log         zerolog.Logger
}

// EngineConfig configures a new Engine.
type EngineConfig struct {
	DatasetID  string
	Table      Table
	Expression ExpressionStore
	Logger     zerolog.Logger
}

// NewEngine creates an engine with an empty filter state.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		table:       cfg.Table,
		n:           cfg.Table.Len(),
		expr:        cfg.Expression,
		globalLogic: LogicAnd,
		log:         cfg.Logger.With().Str("dataset", cfg.DatasetID).Logger(),
	}
}

// AddCategoryFilter appends an empty "in" filter on column. An empty column
// defaults to cell_type when present, otherwise the first available column.
func (e *Engine) AddCategoryFilter(column string) CategoryFilter {
	column = strings.TrimSpace(column)
	if column == "" {
		column = e.defaultColumn()
	}
	f := CategoryFilter{
		ID:       NewID(),
		Column:   column,
		Operator: OpIn,
		Values:   []string{},
		Logic:    LogicAnd,
	}

	e.mu.Lock()
	e.category = append(e.category, f)
	e.mu.Unlock()
	return f.clone()
}

func (e *Engine) defaultColumn() string {
	cols := e.table.Columns()
	for _, c := range cols {
		if c == "cell_type" {
			return c
		}
	}
	if len(cols) > 0 {
		return cols[0]
	}
	return "cell_type"
}

// CategoryFilterUpdate holds the fields to change; nil fields are kept.
type CategoryFilterUpdate struct {
	Column   *string
	Operator *CategoryOp
	Values   *[]string
	Logic    *Logic
}

// UpdateCategoryFilter applies a partial update to the filter with id.
func (e *Engine) UpdateCategoryFilter(id string, u CategoryFilterUpdate) (CategoryFilter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.categoryIndex(id)
	if i < 0 {
		return CategoryFilter{}, fmt.Errorf("category filter %s: %w", id, ErrFilterNotFound)
	}
	f := e.category[i]
	if u.Column != nil {
		f.Column = strings.TrimSpace(*u.Column)
	}
	if u.Operator != nil {
		f.Operator = *u.Operator
	}
	if u.Values != nil {
		f.Values = append(make([]string, 0, len(*u.Values)), (*u.Values)...)
	}
	if u.Logic != nil {
		f.Logic = u.Logic.Normalize()
	}
	e.category[i] = f
	return f.clone(), nil
}

// RemoveCategoryFilter deletes the filter with id.
func (e *Engine) RemoveCategoryFilter(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.categoryIndex(id)
	if i < 0 {
		return fmt.Errorf("category filter %s: %w", id, ErrFilterNotFound)
	}
	e.category = append(e.category[:i:i], e.category[i+1:]...)
	return nil
}

func (e *Engine) categoryIndex(id string) int {
	for i, f := range e.category {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// AddGeneFilter appends a "> 0" filter on gene and, if the gene is not cached
// yet, fetches its expression. The filter is kept when the fetch fails; it
// stays inert and the failure is reported in Status.
func (e *Engine) AddGeneFilter(ctx context.Context, gene string) (GeneFilter, error) {
	gene = strings.TrimSpace(gene)
	f := GeneFilter{
		ID:       NewID(),
		Gene:     gene,
		Operator: OpGreater,
		Value:    0,
		Logic:    LogicAnd,
	}

	e.mu.Lock()
	e.gene = append(e.gene, f)
	e.mu.Unlock()

	if err := e.ensureExpression(ctx, gene); err != nil {
		return f, err
	}
	return f, nil
}

// GeneFilterUpdate holds the fields to change; nil fields are kept.
type GeneFilterUpdate struct {
	Gene     *string
	Operator *GeneOp
	Value    *float64
	Logic    *Logic
}

// UpdateGeneFilter applies a partial update and fetches expression when the
// gene changes to one that is not cached.
func (e *Engine) UpdateGeneFilter(ctx context.Context, id string, u GeneFilterUpdate) (GeneFilter, error) {
	e.mu.Lock()
	i := e.geneIndex(id)
	if i < 0 {
		e.mu.Unlock()
		return GeneFilter{}, fmt.Errorf("gene filter %s: %w", id, ErrFilterNotFound)
	}
	f := e.gene[i]
	oldGene := f.Gene
	if u.Gene != nil {
		f.Gene = strings.TrimSpace(*u.Gene)
	}
	if u.Operator != nil {
		f.Operator = *u.Operator
	}
	if u.Value != nil {
		f.Value = *u.Value
	}
	if u.Logic != nil {
		f.Logic = u.Logic.Normalize()
	}
	e.gene[i] = f
	e.mu.Unlock()

	if f.Gene != oldGene {
		if err := e.ensureExpression(ctx, f.Gene); err != nil {
			return f, err
		}
	}
	return f, nil
}

// RemoveGeneFilter deletes the filter with id.
func (e *Engine) RemoveGeneFilter(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.geneIndex(id)
	if i < 0 {
		return fmt.Errorf("gene filter %s: %w", id, ErrFilterNotFound)
	}
	e.gene = append(e.gene[:i:i], e.gene[i+1:]...)
	return nil
}

func (e *Engine) geneIndex(id string) int {
	for i, f := range e.gene {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) ensureExpression(ctx context.Context, gene string) error {
	if gene == "" || e.expr == nil {
		return nil
	}
	if _, ok := e.expr.Lookup(gene); ok {
		return nil
	}
	if _, err := e.expr.Get(ctx, gene); err != nil {
		return fmt.Errorf("load expression for %s: %w", gene, err)
	}
	return nil
}

// SetGlobalLogic sets how the category and gene groups are combined.
func (e *Engine) SetGlobalLogic(l Logic) {
	e.mu.Lock()
	e.globalLogic = l.Normalize()
	e.mu.Unlock()
}

// ResetFilters clears both groups and the fetch error status.
func (e *Engine) ResetFilters() {
	e.mu.Lock()
	e.category = nil
	e.gene = nil
	e.mu.Unlock()
	if e.expr != nil {
		e.expr.ClearError()
	}
}

// ResetCategoryFilters clears the category group.
func (e *Engine) ResetCategoryFilters() {
	e.mu.Lock()
	e.category = nil
	e.mu.Unlock()
}

// ResetGeneFilters clears the gene group.
func (e *Engine) ResetGeneFilters() {
	e.mu.Lock()
	e.gene = nil
	e.mu.Unlock()
}

// State returns a deep copy of the current filters. Gene filter loading
// flags reflect fetches outstanding at the time of the call.
func (e *Engine) State() State {
	e.mu.RLock()
	st := e.stateLocked()
	e.mu.RUnlock()

	if e.expr != nil {
		for i := range st.GeneFilters {
			if g := st.GeneFilters[i].Gene; g != "" {
				st.GeneFilters[i].Loading = e.expr.Loading(g)
			}
		}
	}
	return st
}

func (e *Engine) stateLocked() State {
	return State{
		CategoryFilters: e.category,
		GeneFilters:     e.gene,
		GlobalLogic:     e.globalLogic,
	}.Clone()
}

// Restore replaces the filter state with a copy of st and fetches expression
// for every referenced gene that is not cached. Fetch failures are returned
// but do not undo the restore.
func (e *Engine) Restore(ctx context.Context, st State) error {
	st = st.WithoutLoading()
	for i := range st.CategoryFilters {
		st.CategoryFilters[i].Logic = st.CategoryFilters[i].Logic.Normalize()
	}
	for i := range st.GeneFilters {
		st.GeneFilters[i].Logic = st.GeneFilters[i].Logic.Normalize()
	}

	e.mu.Lock()
	e.category = st.CategoryFilters
	e.gene = st.GeneFilters
	e.globalLogic = st.GlobalLogic.Normalize()
	e.mu.Unlock()

	if e.expr == nil {
		return nil
	}
	var missing []string
	for _, g := range st.Genes() {
		if _, ok := e.expr.Lookup(g); !ok {
			missing = append(missing, g)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	e.log.Debug().Strs("genes", missing).Msg("fetching expression for restored filters")
	return e.expr.Prefetch(ctx, missing)
}

// LoadPreset restores the preset with id. It reports false when the preset
// does not exist, leaving the state unchanged.
func (e *Engine) LoadPreset(ctx context.Context, presets PresetSource, id string) (bool, error) {
	st, ok := presets.Load(id)
	if !ok {
		return false, nil
	}
	return true, e.Restore(ctx, st)
}

// Status reports fetch activity for the UI.
type Status struct {
	Error        string            `json:"error,omitempty"`
	GeneErrors   map[string]string `json:"geneErrors,omitempty"`
	LoadingGenes []string          `json:"loadingGenes"`
}

// Status returns the last fetch error, the failure of each gene that could
// not be loaded and the genes currently loading.
func (e *Engine) Status() Status {
	if e.expr == nil {
		return Status{LoadingGenes: []string{}}
	}
	return Status{
		Error:        e.expr.LastError(),
		GeneErrors:   e.expr.GeneErrors(),
		LoadingGenes: e.expr.LoadingGenes(),
	}
}
