package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellfilter/internal/expression"
	"github.com/atlasmap-sc/cellfilter/internal/filter"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("session not found")

// DatasetSource loads what a session needs from the atlas backend.
type DatasetSource interface {
	CellMetadata(ctx context.Context, datasetID string) (filter.Table, error)
	ExpressionFetcher(datasetID string) expression.Fetcher
}

// Session is one client's filter engine and its expression cache.
type Session struct {
	ID         string
	DatasetID  string
	CreatedAt  time.Time
	Engine     *filter.Engine
	Expression *expression.Cache

	lastUsed atomic.Int64
}

func (s *Session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the time of the last lookup.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// SessionRegistryConfig contains configuration for the session registry.
type SessionRegistryConfig struct {
	Source           DatasetSource
	MaxSessions      int           // LRU bound (default 256)
	IdleTimeout      time.Duration // Sessions unused for longer are dropped (default 2h)
	CleanupPeriod    time.Duration // default 5m
	PrefetchParallel int
	Logger           zerolog.Logger
}

// SessionRegistry holds live sessions, evicting the least recently used when
// full and idle ones on a timer.
type SessionRegistry struct {
	cfg      SessionRegistryConfig
	sessions *lru.Cache[string, *Session]
	log      zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(cfg SessionRegistryConfig) (*SessionRegistry, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Hour
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	reg := &SessionRegistry{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "sessions").Logger(),
		stopCh: make(chan struct{}),
	}
	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(id string, s *Session) {
		reg.log.Debug().Str("session", id).Str("dataset", s.DatasetID).Msg("session evicted")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	reg.sessions = sessions
	return reg, nil
}

// Create loads the dataset's metadata and starts a session with an empty
// filter state.
func (r *SessionRegistry) Create(ctx context.Context, datasetID string) (*Session, error) {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return nil, errors.New("dataset id is required")
	}
	if r.cfg.Source == nil {
		return nil, errors.New("no dataset source configured")
	}

	table, err := r.cfg.Source.CellMetadata(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	exprCache := expression.NewCache(expression.Config{
		Fetcher:       r.cfg.Source.ExpressionFetcher(datasetID),
		MaxConcurrent: r.cfg.PrefetchParallel,
		Logger:        r.cfg.Logger,
	})
	s := &Session{
		ID:         "session_" + uuid.NewString(),
		DatasetID:  datasetID,
		CreatedAt:  time.Now().UTC(),
		Expression: exprCache,
		Engine: filter.NewEngine(filter.EngineConfig{
			DatasetID:  datasetID,
			Table:      table,
			Expression: exprCache,
			Logger:     r.cfg.Logger,
		}),
	}
	s.touch()

	r.sessions.Add(s.ID, s)
	r.log.Info().Str("session", s.ID).Str("dataset", datasetID).Int("cells", s.Engine.TotalCells()).Msg("session created")
	return s, nil
}

// Get returns the session with id and marks it used.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	s.touch()
	return s, nil
}

// Delete removes the session with id and reports whether it existed.
func (r *SessionRegistry) Delete(id string) bool {
	return r.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	return r.sessions.Len()
}

// Start runs the idle-session cleaner until Stop is called.
func (r *SessionRegistry) Start() {
	r.wg.Add(1)
	go r.cleaner()
}

// Stop stops the cleaner.
func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

func (r *SessionRegistry) cleaner() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanup(time.Now())
		}
	}
}

func (r *SessionRegistry) cleanup(now time.Time) int {
	removed := 0
	for _, id := range r.sessions.Keys() {
		s, ok := r.sessions.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(s.LastUsed()) > r.cfg.IdleTimeout {
			if r.sessions.Remove(id) {
				removed++
			}
		}
	}
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("cleaned up idle sessions")
	}
	return removed
}
