// Package api provides HTTP handlers for the cell filter server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellfilter/internal/filter"
	"github.com/atlasmap-sc/cellfilter/internal/preset"
	"github.com/atlasmap-sc/cellfilter/internal/urlstate"
)

// DatasetLister returns the backend's dataset listing.
type DatasetLister interface {
	Datasets(ctx context.Context) (json.RawMessage, error)
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Sessions    *SessionRegistry
	Presets     *preset.Store
	Datasets    DatasetLister
	CORSOrigins []string
	Logger      zerolog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()
	h := &handlers{
		sessions: cfg.Sessions,
		presets:  cfg.Presets,
		datasets: cfg.Datasets,
		log:      cfg.Logger,
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", h.listDatasets)

		// Presets are shared by all sessions.
		r.Get("/presets", h.listPresets)
		r.Get("/presets/{preset_id}", h.getPreset)
		r.Delete("/presets/{preset_id}", h.deletePreset)

		r.Post("/sessions", h.createSession)
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Use(sessionMiddleware(cfg.Sessions))

			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Get("/cells", h.cells)
			r.Get("/status", h.status)
			r.Get("/columns", h.columns)
			r.Get("/columns/{column}/filtered", h.filteredValues)

			r.Post("/category-filters", h.addCategoryFilter)
			r.Patch("/category-filters/{filter_id}", h.updateCategoryFilter)
			r.Delete("/category-filters/{filter_id}", h.removeCategoryFilter)
			r.Delete("/category-filters", h.resetCategoryFilters)

			r.Post("/gene-filters", h.addGeneFilter)
			r.Patch("/gene-filters/{filter_id}", h.updateGeneFilter)
			r.Delete("/gene-filters/{filter_id}", h.removeGeneFilter)
			r.Delete("/gene-filters", h.resetGeneFilters)

			r.Put("/global-logic", h.setGlobalLogic)
			r.Delete("/filters", h.resetFilters)

			r.Get("/share", h.exportShare)
			r.Post("/share", h.importShare)

			r.Get("/genes/{gene}/summary", h.geneSummary)
			r.Get("/coexpression", h.coExpression)

			r.Post("/presets", h.savePreset)
			r.Post("/presets/{preset_id}/load", h.loadPreset)
		})
	})

	return r
}

type handlers struct {
	sessions *SessionRegistry
	presets  *preset.Store
	datasets DatasetLister
	log      zerolog.Logger
}

// Context key for the resolved session
type ctxKey string

const sessionKey ctxKey = "session"

// sessionMiddleware resolves the session from the URL and injects it into context.
func sessionMiddleware(registry *SessionRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if registry == nil {
				http.Error(w, "sessions not configured", http.StatusNotImplemented)
				return
			}
			id := chi.URLParam(r, "session_id")
			s, err := registry.Get(id)
			if err != nil {
				http.Error(w, "session not found: "+id, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionFrom(r *http.Request) *Session {
	if s, ok := r.Context().Value(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFilterError maps engine errors to status codes.
func writeFilterError(w http.ResponseWriter, err error) {
	if errors.Is(err, filter.ErrFilterNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// sessionView is the full client-facing state of a session.
func sessionView(s *Session) map[string]interface{} {
	return map[string]interface{}{
		"session_id": s.ID,
		"dataset_id": s.DatasetID,
		"created_at": s.CreatedAt,
		"state":      s.Engine.State(),
		"summary":    s.Engine.Summary(),
		"status":     s.Engine.Status(),
	}
}

func (h *handlers) listDatasets(w http.ResponseWriter, r *http.Request) {
	if h.datasets == nil {
		http.Error(w, "dataset listing not configured", http.StatusNotImplemented)
		return
	}
	raw, err := h.datasets.Datasets(r.Context())
	if err != nil {
		http.Error(w, "failed to list datasets: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

type createSessionRequest struct {
	DatasetID string `json:"dataset_id"`
	// Filters optionally restores a shared filter string.
	Filters string `json:"filters"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.Error(w, "sessions not configured", http.StatusNotImplemented)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.DatasetID) == "" {
		http.Error(w, "dataset_id is required", http.StatusBadRequest)
		return
	}

	s, err := h.sessions.Create(r.Context(), req.DatasetID)
	if err != nil {
		h.log.Error().Err(err).Str("dataset", req.DatasetID).Msg("failed to create session")
		http.Error(w, "failed to load dataset: "+err.Error(), http.StatusBadGateway)
		return
	}

	if req.Filters != "" {
		// A bad shared string starts the session unfiltered.
		if err := urlstate.Apply(r.Context(), s.Engine, req.Filters); err != nil {
			h.log.Warn().Err(err).Str("session", s.ID).Msg("ignoring shared filters")
		}
	}

	view := sessionView(s)
	view["total"] = s.Engine.TotalCells()
	writeJSON(w, http.StatusCreated, view)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionView(sessionFrom(r)))
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Delete(sessionFrom(r).ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cells(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	indices := s.Engine.FilteredIndices()
	total := s.Engine.TotalCells()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"indices":    indices,
		"total":      total,
		"filtered":   len(indices),
		"percentage": filter.PercentOf(len(indices), total),
	})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Engine.Status())
}

func (h *handlers) columns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns": sessionFrom(r).Engine.Columns(),
	})
}

func (h *handlers) filteredValues(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	column := chi.URLParam(r, "column")
	if unescaped, err := url.PathUnescape(column); err == nil {
		column = unescaped
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"column": column,
		"values": s.Engine.FilteredValues(column),
	})
}

func (h *handlers) addCategoryFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	u, err := parseCategoryFilterUpdate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	column := ""
	if u.Column != nil {
		column = *u.Column
		u.Column = nil
	}
	f := s.Engine.AddCategoryFilter(column)
	if u.Operator != nil || u.Values != nil || u.Logic != nil {
		f, err = s.Engine.UpdateCategoryFilter(f.ID, u)
		if err != nil {
			writeFilterError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"filter":  f,
		"summary": s.Engine.Summary(),
	})
}

func (h *handlers) updateCategoryFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	u, err := parseCategoryFilterUpdate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := s.Engine.UpdateCategoryFilter(chi.URLParam(r, "filter_id"), u)
	if err != nil {
		writeFilterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filter":  f,
		"summary": s.Engine.Summary(),
	})
}

func (h *handlers) removeCategoryFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if err := s.Engine.RemoveCategoryFilter(chi.URLParam(r, "filter_id")); err != nil {
		writeFilterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": s.Engine.Summary()})
}

func (h *handlers) resetCategoryFilters(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Engine.ResetCategoryFilters()
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": s.Engine.Summary()})
}

// geneFilterResponse reports the filter even when its expression failed to
// load; the filter then stays inert and status carries the message.
func geneFilterResponse(s *Session, f filter.GeneFilter) map[string]interface{} {
	f.Loading = s.Expression.Loading(f.Gene)
	return map[string]interface{}{
		"filter":  f,
		"summary": s.Engine.Summary(),
		"status":  s.Engine.Status(),
	}
}

func (h *handlers) addGeneFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	u, err := parseGeneFilterUpdate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if u.Gene == nil || strings.TrimSpace(*u.Gene) == "" {
		http.Error(w, "gene is required", http.StatusBadRequest)
		return
	}

	f, err := s.Engine.AddGeneFilter(r.Context(), *u.Gene)
	if err != nil {
		h.log.Warn().Err(err).Str("session", s.ID).Msg("gene filter added without expression")
	}
	u.Gene = nil
	if u.Operator != nil || u.Value != nil || u.Logic != nil {
		f, err = s.Engine.UpdateGeneFilter(r.Context(), f.ID, u)
		if err != nil {
			writeFilterError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, geneFilterResponse(s, f))
}

func (h *handlers) updateGeneFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	u, err := parseGeneFilterUpdate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := s.Engine.UpdateGeneFilter(r.Context(), chi.URLParam(r, "filter_id"), u)
	if errors.Is(err, filter.ErrFilterNotFound) {
		writeFilterError(w, err)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("session", s.ID).Msg("gene filter updated without expression")
	}
	writeJSON(w, http.StatusOK, geneFilterResponse(s, f))
}

func (h *handlers) removeGeneFilter(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if err := s.Engine.RemoveGeneFilter(chi.URLParam(r, "filter_id")); err != nil {
		writeFilterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": s.Engine.Summary()})
}

func (h *handlers) resetGeneFilters(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Engine.ResetGeneFilters()
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": s.Engine.Summary()})
}

func (h *handlers) setGlobalLogic(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	var req struct {
		Logic string `json:"logic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	l, err := filter.ParseLogic(req.Logic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Engine.SetGlobalLogic(l)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"globalLogic": l,
		"summary":     s.Engine.Summary(),
	})
}

func (h *handlers) resetFilters(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	s.Engine.ResetFilters()
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": s.Engine.Summary()})
}

func (h *handlers) exportShare(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	encoded, err := urlstate.Encode(s.Engine.State())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": encoded,
		"query": url.Values{"filters": {encoded}}.Encode(),
	})
}

func (h *handlers) importShare(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := urlstate.Apply(r.Context(), s.Engine, req.State)
	if errors.Is(err, urlstate.ErrMalformed) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		// Restored; some genes failed to load and stay inert.
		h.log.Warn().Err(err).Str("session", s.ID).Msg("shared filters restored with fetch errors")
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}

func (h *handlers) geneSummary(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	gene := chi.URLParam(r, "gene")
	if _, err := s.Expression.Get(r.Context(), gene); err != nil {
		http.Error(w, "failed to load expression for "+gene+": "+err.Error(), http.StatusBadGateway)
		return
	}
	summary, ok := s.Engine.ExpressionSummary(gene)
	if !ok {
		http.Error(w, "gene not found: "+gene, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) coExpression(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	gene1 := strings.TrimSpace(r.URL.Query().Get("gene1"))
	gene2 := strings.TrimSpace(r.URL.Query().Get("gene2"))
	if gene1 == "" || gene2 == "" {
		http.Error(w, "missing required query params: gene1, gene2", http.StatusBadRequest)
		return
	}
	if err := s.Expression.Prefetch(r.Context(), []string{gene1, gene2}); err != nil {
		http.Error(w, "failed to load expression: "+err.Error(), http.StatusBadGateway)
		return
	}
	co, ok := s.Engine.CoExpression(gene1, gene2)
	if !ok {
		http.Error(w, "expression not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, co)
}

func (h *handlers) listPresets(w http.ResponseWriter, r *http.Request) {
	if h.presets == nil {
		http.Error(w, "presets not configured", http.StatusNotImplemented)
		return
	}
	dataset := strings.TrimSpace(r.URL.Query().Get("dataset_id"))
	presets := make([]preset.Preset, 0)
	for _, p := range h.presets.List() {
		if dataset == "" || p.DatasetID == dataset {
			presets = append(presets, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": presets})
}

func (h *handlers) getPreset(w http.ResponseWriter, r *http.Request) {
	if h.presets == nil {
		http.Error(w, "presets not configured", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "preset_id")
	p, ok := h.presets.Get(id)
	if !ok {
		http.Error(w, "preset not found: "+id, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) deletePreset(w http.ResponseWriter, r *http.Request) {
	if h.presets == nil {
		http.Error(w, "presets not configured", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "preset_id")
	if !h.presets.Delete(r.Context(), id) {
		http.Error(w, "preset not found: "+id, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) savePreset(w http.ResponseWriter, r *http.Request) {
	if h.presets == nil {
		http.Error(w, "presets not configured", http.StatusNotImplemented)
		return
	}
	s := sessionFrom(r)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, ok := h.presets.Save(r.Context(), req.Name, s.DatasetID, s.Engine.State())
	if !ok {
		http.Error(w, "preset name is required", http.StatusBadRequest)
		return
	}
	p, _ := h.presets.Get(id)
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) loadPreset(w http.ResponseWriter, r *http.Request) {
	if h.presets == nil {
		http.Error(w, "presets not configured", http.StatusNotImplemented)
		return
	}
	s := sessionFrom(r)
	id := chi.URLParam(r, "preset_id")
	found, err := s.Engine.LoadPreset(r.Context(), h.presets, id)
	if !found {
		http.Error(w, "preset not found: "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("session", s.ID).Str("preset", id).Msg("preset restored with fetch errors")
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}
