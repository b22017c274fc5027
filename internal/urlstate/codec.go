// Package urlstate encodes filter state into a compact string suitable for a
// shareable URL parameter.
package urlstate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/atlasmap-sc/cellfilter/internal/filter"
)

// ErrMalformed is returned for strings that do not decode to a filter state.
var ErrMalformed = errors.New("malformed filter state")

type payload struct {
	C  []*categoryEntry `json:"c"`
	G  []*geneEntry     `json:"g"`
	GL filter.Logic     `json:"gl"`
}

type categoryEntry struct {
	Col string            `json:"col"`
	Op  filter.CategoryOp `json:"op"`
	V   []string          `json:"v"`
	L   filter.Logic      `json:"l"`
}

type geneEntry struct {
	Gene string        `json:"gene"`
	Op   filter.GeneOp `json:"op"`
	V    float64       `json:"v"`
	L    filter.Logic  `json:"l"`
}

// Encode serializes st without filter ids or loading flags.
func Encode(st filter.State) (string, error) {
	p := payload{
		C:  make([]*categoryEntry, 0, len(st.CategoryFilters)),
		G:  make([]*geneEntry, 0, len(st.GeneFilters)),
		GL: st.GlobalLogic.Normalize(),
	}
	for _, f := range st.CategoryFilters {
		values := f.Values
		if values == nil {
			values = []string{}
		}
		p.C = append(p.C, &categoryEntry{Col: f.Column, Op: f.Operator, V: values, L: f.Logic.Normalize()})
	}
	for _, f := range st.GeneFilters {
		p.G = append(p.G, &geneEntry{Gene: f.Gene, Op: f.Operator, V: f.Value, L: f.Logic.Normalize()})
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode filter state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a string produced by Encode. Every filter receives a fresh
// id and missing logic fields default to AND.
func Decode(encoded string) (filter.State, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return filter.State{}, fmt.Errorf("empty input: %w", ErrMalformed)
	}
	// Query-string decoding turns '+' into ' '.
	encoded = strings.ReplaceAll(encoded, " ", "+")

	data, err := decodeBase64(encoded)
	if err != nil {
		return filter.State{}, fmt.Errorf("base64: %v: %w", err, ErrMalformed)
	}

	// The payload must be a JSON object.
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return filter.State{}, fmt.Errorf("json: not an object: %w", ErrMalformed)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return filter.State{}, fmt.Errorf("json: %v: %w", err, ErrMalformed)
	}
	for i, c := range p.C {
		if c == nil {
			return filter.State{}, fmt.Errorf("json: null category filter at %d: %w", i, ErrMalformed)
		}
	}
	for i, g := range p.G {
		if g == nil {
			return filter.State{}, fmt.Errorf("json: null gene filter at %d: %w", i, ErrMalformed)
		}
	}

	st := filter.State{
		CategoryFilters: make([]filter.CategoryFilter, 0, len(p.C)),
		GeneFilters:     make([]filter.GeneFilter, 0, len(p.G)),
		GlobalLogic:     p.GL.Normalize(),
	}
	for _, c := range p.C {
		values := c.V
		if values == nil {
			values = []string{}
		}
		op := c.Op
		if op == "" {
			op = filter.OpIn
		}
		st.CategoryFilters = append(st.CategoryFilters, filter.CategoryFilter{
			ID:       filter.NewID(),
			Column:   c.Col,
			Operator: op,
			Values:   values,
			Logic:    c.L.Normalize(),
		})
	}
	for _, g := range p.G {
		op := g.Op
		if op == "" {
			op = filter.OpGreater
		}
		st.GeneFilters = append(st.GeneFilters, filter.GeneFilter{
			ID:       filter.NewID(),
			Gene:     g.Gene,
			Operator: op,
			Value:    g.V,
			Logic:    g.L.Normalize(),
		})
	}
	return st, nil
}

// decodeBase64 accepts padded standard encoding plus unpadded standard and
// URL-safe variants.
func decodeBase64(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		return data, nil
	}
	unpadded := strings.TrimRight(encoded, "=")
	if data, rawErr := base64.RawStdEncoding.DecodeString(unpadded); rawErr == nil {
		return data, nil
	}
	if data, rawErr := base64.RawURLEncoding.DecodeString(unpadded); rawErr == nil {
		return data, nil
	}
	return nil, err
}

// Restorer replaces a session's filter state.
type Restorer interface {
	Restore(ctx context.Context, st filter.State) error
}

// Apply decodes encoded and restores it into r. A malformed string returns
// an ErrMalformed error and leaves r untouched.
func Apply(ctx context.Context, r Restorer, encoded string) error {
	st, err := Decode(encoded)
	if err != nil {
		return err
	}
	return r.Restore(ctx, st)
}
