package atlas

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellfilter/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/h5ad/datasets", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"datasets":[{"id":"mouse"}]}`))
	})
	mux.HandleFunc("/h5ad/mouse/plot-data", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Query().Get("embedding") != "umap" {
			http.Error(w, "bad embedding", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"x":[0,1,2],"metadata":{"cell_type":["A",null,"B"],"cluster":[1,2,3],"n_cells":12}}`))
	})
	mux.HandleFunc("/h5ad/mouse/expression/Agrp", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Write([]byte(`{"gene":"Agrp","expression":[0,1.5,null]}`))
	})
	mux.HandleFunc("/h5ad/mouse/expression/Pomc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[2,0,4]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CellMetadata(t *testing.T) {
	var hits int32
	srv := newBackend(t, &hits)
	c := NewClient(Config{BaseURL: srv.URL + "/"})

	table, err := c.CellMetadata(context.Background(), "mouse")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "", "B"}, table["cell_type"])
	assert.Equal(t, []string{"1", "2", "3"}, table["cluster"])
	assert.False(t, table.Has("n_cells"))
}

func TestClient_GeneExpression(t *testing.T) {
	var hits int32
	srv := newBackend(t, &hits)
	mgr, err := cache.NewManager(cache.Config{ExpressionCacheSizeMB: 8, ExpressionTTL: 10 * time.Minute})
	require.NoError(t, err)
	defer mgr.Close()

	c := NewClient(Config{BaseURL: srv.URL, Cache: mgr})
	ctx := context.Background()

	t.Run("object response", func(t *testing.T) {
		values, err := c.GeneExpression(ctx, "mouse", "Agrp")
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 1.5, 0}, values)

		// Served from cache the second time.
		_, err = c.GeneExpression(ctx, "mouse", "Agrp")
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	})

	t.Run("bare array", func(t *testing.T) {
		values, err := c.ExpressionFetcher("mouse").FetchExpression(ctx, "Pomc")
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 0, 4}, values)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.GeneExpression(ctx, "mouse", "Nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestClient_Datasets(t *testing.T) {
	var hits int32
	srv := newBackend(t, &hits)
	c := NewClient(Config{BaseURL: srv.URL})

	raw, err := c.Datasets(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"datasets":[{"id":"mouse"}]}`, string(raw))
}
