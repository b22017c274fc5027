package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellfilter/internal/expression"
	"github.com/atlasmap-sc/cellfilter/internal/filter"
)

// stubSource serves an in-memory table and expression vectors.
type stubSource struct {
	table filter.Table
	genes map[string][]float64
}

func (s stubSource) CellMetadata(_ context.Context, datasetID string) (filter.Table, error) {
	if datasetID != "stub" {
		return nil, errors.New("unknown dataset")
	}
	return s.table, nil
}

func (s stubSource) ExpressionFetcher(string) expression.Fetcher {
	return expression.FetcherFunc(func(_ context.Context, gene string) ([]float64, error) {
		v, ok := s.genes[strings.ToUpper(gene)]
		if !ok {
			return nil, errors.New("unknown gene")
		}
		return v, nil
	})
}

func newStubRegistry(t *testing.T, max int) *SessionRegistry {
	t.Helper()
	reg, err := NewSessionRegistry(SessionRegistryConfig{
		Source: stubSource{
			table: filter.Table{"cell_type": {"A", "B", "C"}},
			genes: map[string][]float64{"AGRP": {0, 2, 4}},
		},
		MaxSessions: max,
		IdleTimeout: time.Minute,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to initialize session registry: %v", err)
	}
	return reg
}

func TestCellsEndpoint_NoListen(t *testing.T) {
	reg := newStubRegistry(t, 4)
	router := NewRouter(RouterConfig{
		Sessions:    reg,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	s, err := reg.Create(context.Background(), "stub")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := s.Engine.AddGeneFilter(context.Background(), "Agrp"); err != nil {
		t.Fatalf("Failed to add gene filter: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+s.ID+"/cells", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var payload struct {
		Indices    []int   `json:"indices"`
		Total      int     `json:"total"`
		Filtered   int     `json:"filtered"`
		Percentage float64 `json:"percentage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if payload.Total != 3 || payload.Filtered != 2 {
		t.Fatalf("unexpected counts: %+v", payload)
	}
	if payload.Percentage != 66.7 {
		t.Fatalf("unexpected percentage: got %v want 66.7", payload.Percentage)
	}
}

func TestPresetsNotConfigured_NoListen(t *testing.T) {
	router := NewRouter(RouterConfig{Sessions: newStubRegistry(t, 1)})

	req := httptest.NewRequest(http.MethodGet, "/api/presets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d, got %d", http.StatusNotImplemented, rec.Code)
	}
}

func TestSessionRegistry_Eviction(t *testing.T) {
	reg := newStubRegistry(t, 2)
	ctx := context.Background()

	first, err := reg.Create(ctx, "stub")
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := reg.Create(ctx, "stub"); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	if _, err := reg.Create(ctx, "stub"); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if reg.Len() != 2 {
		t.Errorf("expected 2 live sessions, got %d", reg.Len())
	}
	if _, err := reg.Get(first.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected least recently used session to be evicted, got %v", err)
	}
	if _, err := reg.Create(ctx, "other"); err == nil {
		t.Error("expected error for unknown dataset")
	}
	if _, err := reg.Create(ctx, " "); err == nil {
		t.Error("expected error for blank dataset")
	}
}

func TestSessionRegistry_Cleanup(t *testing.T) {
	reg := newStubRegistry(t, 4)
	ctx := context.Background()

	stale, _ := reg.Create(ctx, "stub")
	fresh, _ := reg.Create(ctx, "stub")

	now := time.Now()
	stale.lastUsed.Store(now.Add(-2 * time.Minute).UnixNano())

	if removed := reg.cleanup(now); removed != 1 {
		t.Fatalf("expected 1 idle session removed, got %d", removed)
	}
	if _, err := reg.Get(stale.ID); err == nil {
		t.Error("expected idle session to be gone")
	}
	if _, err := reg.Get(fresh.ID); err != nil {
		t.Errorf("expected fresh session to survive: %v", err)
	}

	reg.Start()
	reg.Stop()
	reg.Stop()
}
