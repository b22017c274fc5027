// Package expression provides the session-wide gene expression cache used by
// the cell filter engine.
package expression

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ErrEmptyGene is returned when a lookup is made with a blank gene symbol.
var ErrEmptyGene = errors.New("empty gene symbol")

// Fetcher loads one gene's per-cell expression vector.
type Fetcher interface {
	FetchExpression(ctx context.Context, gene string) ([]float64, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, gene string) ([]float64, error)

// FetchExpression calls f.
func (f FetcherFunc) FetchExpression(ctx context.Context, gene string) ([]float64, error) {
	return f(ctx, gene)
}

// Config contains cache configuration.
type Config struct {
	Fetcher Fetcher
	// MaxConcurrent bounds Prefetch parallelism (default 4).
	MaxConcurrent int
	Logger        zerolog.Logger
}

// Cache memoizes expression vectors by uppercased gene symbol. Entries are
// never evicted. Vectors handed out are shared and must not be modified.
type Cache struct {
	fetcher       Fetcher
	maxConcurrent int
	log           zerolog.Logger

	mu       sync.RWMutex
	values   map[string][]float64
	inflight map[string]*call
	errs     map[string]string
	lastErr  string
}

type call struct {
	done   chan struct{}
	values []float64
	err    error
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Cache{
		fetcher:       cfg.Fetcher,
		maxConcurrent: cfg.MaxConcurrent,
		log:           cfg.Logger,
		values:        make(map[string][]float64),
		inflight:      make(map[string]*call),
		errs:          make(map[string]string),
	}
}

// Key normalizes a gene symbol to its cache key.
func Key(gene string) string {
	return strings.ToUpper(strings.TrimSpace(gene))
}

// Lookup returns a cached vector without fetching.
func (c *Cache) Lookup(gene string) ([]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[Key(gene)]
	return v, ok
}

// Get returns the vector for gene, fetching it on a miss. Concurrent calls
// for the same gene share one fetch. A failed fetch leaves the gene uncached
// and records an error message for it.
func (c *Cache) Get(ctx context.Context, gene string) ([]float64, error) {
	key := Key(gene)
	if key == "" {
		return nil, ErrEmptyGene
	}

	c.mu.Lock()
	if v, ok := c.values[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.values, cl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fetcher == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("no expression fetcher configured for %s", key)
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	cl.values, cl.err = c.fetcher.FetchExpression(ctx, strings.TrimSpace(gene))

	c.mu.Lock()
	delete(c.inflight, key)
	if cl.err != nil {
		c.errs[key] = cl.err.Error()
		c.lastErr = "Failed to load expression for " + key
	} else {
		c.values[key] = cl.values
		delete(c.errs, key)
		c.lastErr = ""
	}
	c.mu.Unlock()
	close(cl.done)

	if cl.err != nil {
		c.log.Error().Err(cl.err).Str("gene", key).Msg("failed to fetch expression")
	}
	return cl.values, cl.err
}

// Prefetch fetches every uncached gene in genes concurrently and returns the
// combined fetch errors.
func (c *Cache) Prefetch(ctx context.Context, genes []string) error {
	seen := make(map[string]struct{}, len(genes))
	p := pool.New().WithMaxGoroutines(c.maxConcurrent).WithContext(ctx)
	for _, g := range genes {
		key := Key(g)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := c.Lookup(key); ok {
			continue
		}
		gene := g
		p.Go(func(ctx context.Context) error {
			_, err := c.Get(ctx, gene)
			return err
		})
	}
	return p.Wait()
}

// Loading reports whether a fetch for gene is outstanding.
func (c *Cache) Loading(gene string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.inflight[Key(gene)]
	return ok
}

// LoadingGenes lists the genes with an outstanding fetch, sorted.
func (c *Cache) LoadingGenes() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.inflight))
	for g := range c.inflight {
		out = append(out, g)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// GeneErrors returns the fetch error of every gene whose last fetch failed,
// keyed by normalized gene. It is nil when no gene is failing.
func (c *Cache) GeneErrors() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.errs))
	for gene, msg := range c.errs {
		out[gene] = msg
	}
	return out
}

// LastError returns the user-facing message of the most recent failed fetch,
// or "" once a later fetch succeeds.
func (c *Cache) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ClearError clears the user-facing error message.
func (c *Cache) ClearError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
}

// Len returns the number of cached genes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
