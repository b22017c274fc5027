// Package config handles configuration loading for the cell filter server.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Cache    CacheConfig    `yaml:"cache"`
	Sessions SessionsConfig `yaml:"sessions"`
	Presets  PresetsConfig  `yaml:"presets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BackendConfig describes the atlas backend serving metadata and expression.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Embedding      string `yaml:"embedding"`
}

// Timeout returns the request timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ExpressionSizeMB     int `yaml:"expression_size_mb"`
	ExpressionTTLMinutes int `yaml:"expression_ttl_minutes"`
	MetadataEntries      int `yaml:"metadata_entries"`
}

// SessionsConfig bounds the number and lifetime of live filter sessions.
type SessionsConfig struct {
	MaxSessions          int `yaml:"max_sessions"`
	PrefetchParallel     int `yaml:"prefetch_parallel"`
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
	CleanupPeriodMinutes int `yaml:"cleanup_period_minutes"`
}

// IdleTimeout returns how long an unused session is kept.
func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// CleanupPeriod returns the interval between idle session sweeps.
func (s SessionsConfig) CleanupPeriod() time.Duration {
	return time.Duration(s.CleanupPeriodMinutes) * time.Minute
}

// PresetsConfig locates durable preset storage.
type PresetsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	StorageKey string `yaml:"storage_key"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000/api",
			TimeoutSeconds: 60,
			Embedding:      "umap",
		},
		Cache: CacheConfig{
			ExpressionSizeMB:     512,
			ExpressionTTLMinutes: 30,
			MetadataEntries:      32,
		},
		Sessions: SessionsConfig{
			MaxSessions:          256,
			PrefetchParallel:     4,
			IdleTimeoutMinutes:   120,
			CleanupPeriodMinutes: 5,
		},
		Presets: PresetsConfig{
			SQLitePath: "./data/presets.sqlite",
			StorageKey: "hypomap_cell_filter_presets",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if cfg.Backend.TimeoutSeconds == 0 {
		cfg.Backend.TimeoutSeconds = defaults.Backend.TimeoutSeconds
	}
	if cfg.Backend.Embedding == "" {
		cfg.Backend.Embedding = defaults.Backend.Embedding
	}
	if cfg.Cache.ExpressionSizeMB == 0 {
		cfg.Cache.ExpressionSizeMB = defaults.Cache.ExpressionSizeMB
	}
	if cfg.Cache.ExpressionTTLMinutes == 0 {
		cfg.Cache.ExpressionTTLMinutes = defaults.Cache.ExpressionTTLMinutes
	}
	if cfg.Cache.MetadataEntries == 0 {
		cfg.Cache.MetadataEntries = defaults.Cache.MetadataEntries
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
	if cfg.Sessions.PrefetchParallel == 0 {
		cfg.Sessions.PrefetchParallel = defaults.Sessions.PrefetchParallel
	}
	if cfg.Sessions.IdleTimeoutMinutes == 0 {
		cfg.Sessions.IdleTimeoutMinutes = defaults.Sessions.IdleTimeoutMinutes
	}
	if cfg.Sessions.CleanupPeriodMinutes == 0 {
		cfg.Sessions.CleanupPeriodMinutes = defaults.Sessions.CleanupPeriodMinutes
	}
	if cfg.Presets.SQLitePath == "" {
		cfg.Presets.SQLitePath = defaults.Presets.SQLitePath
	}
	if cfg.Presets.StorageKey == "" {
		cfg.Presets.StorageKey = defaults.Presets.StorageKey
	}
}
