// Package preset persists named filter configurations.
package preset

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlasmap-sc/cellfilter/internal/filter"
	"github.com/rs/zerolog"
)

// DefaultStorageKey is the storage key holding the preset document.
const DefaultStorageKey = "hypomap_cell_filter_presets"

// Storage is durable string key/value storage.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Preset is a named snapshot of a filter state.
type Preset struct {
	ID              string                  `json:"id,omitempty"`
	Name            string                  `json:"name"`
	DatasetID       string                  `json:"datasetId"`
	CategoryFilters []filter.CategoryFilter `json:"categoryFilters"`
	GeneFilters     []filter.GeneFilter     `json:"geneFilters"`
	GlobalLogic     filter.Logic            `json:"globalLogic"`
	CreatedAt       time.Time               `json:"createdAt"`
}

// State returns a deep copy of the preset's filter state.
func (p Preset) State() filter.State {
	return filter.State{
		CategoryFilters: p.CategoryFilters,
		GeneFilters:     p.GeneFilters,
		GlobalLogic:     p.GlobalLogic,
	}.WithoutLoading()
}

// document is the persisted layout: {"presets": {id: preset}}. Entries are
// decoded one at a time so a single unreadable preset does not hide the rest.
type document struct {
	Presets map[string]json.RawMessage `json:"presets"`
}

// Store keeps presets in memory and writes the whole document through to
// Storage on every change. Storage failures are logged, never returned.
type Store struct {
	storage Storage
	key     string
	log     zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	presets map[string]Preset

	// unreadable entries are written back untouched on every persist.
	unreadable map[string]json.RawMessage
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithLogger sets the logger used for storage warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore loads the preset document from storage. A missing, unreadable or
// corrupt document yields an empty store.
func NewStore(ctx context.Context, storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:    storage,
		key:        DefaultStorageKey,
		log:        zerolog.Nop(),
		now:        time.Now,
		presets:    make(map[string]Preset),
		unreadable: make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	raw, ok, err := s.storage.Get(ctx, s.key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("failed to load filter presets")
		return
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}

	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("ignoring corrupt filter presets")
		return
	}
	for id, raw := range doc.Presets {
		var p Preset
		if err := json.Unmarshal(raw, &p); err != nil {
			s.log.Warn().Err(err).Str("preset", id).Msg("skipping unreadable filter preset")
			s.unreadable[id] = raw
			continue
		}
		p.ID = ""
		s.presets[id] = p
	}
}

func (s *Store) persistLocked(ctx context.Context) {
	doc := document{Presets: make(map[string]json.RawMessage, len(s.presets)+len(s.unreadable))}
	for id, raw := range s.unreadable {
		doc.Presets[id] = raw
	}
	for id, p := range s.presets {
		raw, err := json.Marshal(p)
		if err != nil {
			s.log.Warn().Err(err).Str("preset", id).Msg("failed to encode filter preset")
			continue
		}
		doc.Presets[id] = raw
	}
	data, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode filter presets")
		return
	}
	if err := s.storage.Set(ctx, s.key, string(data)); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("failed to save filter presets")
	}
}

// Save stores a deep copy of st under a new id. It returns false when the
// trimmed name is empty.
func (s *Store) Save(ctx context.Context, name, datasetID string, st filter.State) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}

	st = st.WithoutLoading()
	id := filter.NewID()
	p := Preset{
		Name:            name,
		DatasetID:       datasetID,
		CategoryFilters: st.CategoryFilters,
		GeneFilters:     st.GeneFilters,
		GlobalLogic:     st.GlobalLogic,
		CreatedAt:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[id] = p
	s.persistLocked(ctx)
	return id, true
}

// Get returns the preset with id.
func (s *Store) Get(id string) (Preset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.presets[id]
	if !ok {
		return Preset{}, false
	}
	st := p.State()
	p.ID = id
	p.CategoryFilters = st.CategoryFilters
	p.GeneFilters = st.GeneFilters
	return p, true
}

// Load returns a deep copy of the preset's filter state.
func (s *Store) Load(id string) (filter.State, bool) {
	p, ok := s.Get(id)
	if !ok {
		return filter.State{}, false
	}
	return p.State(), true
}

// List returns all presets, newest first.
func (s *Store) List() []Preset {
	s.mu.Lock()
	ids := make([]string, 0, len(s.presets))
	for id := range s.presets {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]Preset, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Get(id); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes the preset with id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.presets[id]; !ok {
		return false
	}
	delete(s.presets, id)
	s.persistLocked(ctx)
	return true
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}
