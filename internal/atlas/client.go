// Package atlas is a client for the remote atlas backend that serves per-cell
// metadata and gene expression vectors.
package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atlasmap-sc/cellfilter/internal/cache"
	"github.com/atlasmap-sc/cellfilter/internal/expression"
	"github.com/atlasmap-sc/cellfilter/internal/filter"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("not found")

const maxResponseBytes = 512 << 20 // 512 MiB

// Config contains client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Embedding string
	Cache     *cache.Manager
	Logger    zerolog.Logger
}

// Client talks to the atlas backend over JSON HTTP.
type Client struct {
	baseURL   string
	embedding string
	http      *http.Client
	cache     *cache.Manager
	log       zerolog.Logger
}

// NewClient creates a backend client. Cache may be nil.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Embedding == "" {
		cfg.Embedding = "umap"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		embedding: cfg.Embedding,
		http:      &http.Client{Timeout: cfg.Timeout},
		cache:     cfg.Cache,
		log:       cfg.Logger,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s: HTTP error status %d", path, resp.StatusCode)
	}
	return body, nil
}

// Datasets returns the backend's dataset listing unchanged.
func (c *Client) Datasets(ctx context.Context) (json.RawMessage, error) {
	body, err := c.get(ctx, "/h5ad/datasets", nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("datasets: invalid JSON response")
	}
	return json.RawMessage(body), nil
}

// CellMetadata fetches the per-cell categorical metadata of a dataset.
func (c *Client) CellMetadata(ctx context.Context, datasetID string) (filter.Table, error) {
	key := cache.MetadataKey(datasetID, c.embedding, "cell_type")
	var body []byte
	if c.cache != nil {
		body, _ = c.cache.GetMetadata(key)
	}
	if body == nil {
		q := url.Values{}
		q.Set("embedding", c.embedding)
		q.Set("metadata", "cell_type")
		var err error
		body, err = c.get(ctx, "/h5ad/"+url.PathEscape(datasetID)+"/plot-data", q)
		if err != nil {
			return nil, fmt.Errorf("cell metadata for %s: %w", datasetID, err)
		}
	}

	table, err := parsePlotMetadata(body)
	if err != nil {
		return nil, fmt.Errorf("cell metadata for %s: %w", datasetID, err)
	}
	if c.cache != nil {
		c.cache.SetMetadata(key, body)
	}
	return table, nil
}

// GeneExpression fetches a gene's per-cell expression vector.
func (c *Client) GeneExpression(ctx context.Context, datasetID, gene string) ([]float64, error) {
	key := cache.ExpressionKey(datasetID, gene)
	if c.cache != nil {
		if values, ok := c.cache.GetExpression(key); ok {
			return values, nil
		}
	}

	body, err := c.get(ctx, "/h5ad/"+url.PathEscape(datasetID)+"/expression/"+url.PathEscape(gene), nil)
	if err != nil {
		return nil, fmt.Errorf("expression for %s: %w", gene, err)
	}
	values, err := parseExpression(body)
	if err != nil {
		return nil, fmt.Errorf("expression for %s: %w", gene, err)
	}

	if c.cache != nil {
		if err := c.cache.SetExpression(key, values); err != nil {
			c.log.Debug().Err(err).Str("gene", gene).Msg("expression not cached")
		}
	}
	return values, nil
}

// ExpressionFetcher binds GeneExpression to one dataset.
func (c *Client) ExpressionFetcher(datasetID string) expression.Fetcher {
	return expression.FetcherFunc(func(ctx context.Context, gene string) ([]float64, error) {
		return c.GeneExpression(ctx, datasetID, gene)
	})
}

// parsePlotMetadata extracts {"metadata": {column: [...]}} into a table.
func parsePlotMetadata(body []byte) (filter.Table, error) {
	var payload struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid plot-data response: %w", err)
	}

	table := make(filter.Table, len(payload.Metadata))
	for name, raw := range payload.Metadata {
		col, ok := decodeColumn(raw)
		if !ok {
			// Non-array entries (e.g. summaries) are not per-cell columns.
			continue
		}
		table[name] = col
	}
	return table, nil
}

// decodeColumn stringifies a JSON array of scalars; null becomes "".
func decodeColumn(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []interface{}
	if err := dec.Decode(&items); err != nil {
		return nil, false
	}

	out := make([]string, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case nil:
			out[i] = ""
		case string:
			out[i] = v
		case json.Number:
			out[i] = v.String()
		case bool:
			out[i] = strconv.FormatBool(v)
		default:
			return nil, false
		}
	}
	return out, true
}

// parseExpression accepts {"expression": [...]} or a bare array. Nulls are 0.
func parseExpression(body []byte) ([]float64, error) {
	body = bytes.TrimSpace(body)
	var values []float64
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &values); err != nil {
			return nil, fmt.Errorf("invalid expression array: %w", err)
		}
		return values, nil
	}

	var payload struct {
		Expression []float64 `json:"expression"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid expression response: %w", err)
	}
	if payload.Expression == nil {
		return nil, errors.New("expression response has no expression array")
	}
	return payload.Expression, nil
}
