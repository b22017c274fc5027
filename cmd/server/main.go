// Package main is the entry point for the cell filter server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlasmap-sc/cellfilter/internal/api"
	"github.com/atlasmap-sc/cellfilter/internal/atlas"
	"github.com/atlasmap-sc/cellfilter/internal/cache"
	"github.com/atlasmap-sc/cellfilter/internal/config"
	"github.com/atlasmap-sc/cellfilter/internal/kvstore"
	"github.com/atlasmap-sc/cellfilter/internal/preset"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Info().Int("port", cfg.Server.Port).Str("backend", cfg.Backend.BaseURL).Msg("Starting cell filter server")

	ctx := context.Background()

	// Initialize cache manager (shared across all sessions)
	cacheManager, err := cache.NewManager(cache.Config{
		ExpressionCacheSizeMB: cfg.Cache.ExpressionSizeMB,
		ExpressionTTL:         time.Duration(cfg.Cache.ExpressionTTLMinutes) * time.Minute,
		MetadataCacheSize:     cfg.Cache.MetadataEntries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize cache")
	}
	defer cacheManager.Close()

	client := atlas.NewClient(atlas.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Timeout:   cfg.Backend.Timeout(),
		Embedding: cfg.Backend.Embedding,
		Cache:     cacheManager,
		Logger:    logger,
	})

	// Preset storage (SQLite persistence)
	kv, err := kvstore.NewStore(cfg.Presets.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Presets.SQLitePath).Msg("Failed to open preset storage")
	}
	defer kv.Close()

	presets := preset.NewStore(ctx, kv,
		preset.WithKey(cfg.Presets.StorageKey),
		preset.WithLogger(logger),
	)
	logger.Info().Int("presets", len(presets.List())).Str("sqlite", cfg.Presets.SQLitePath).Msg("Preset store loaded")

	sessions, err := api.NewSessionRegistry(api.SessionRegistryConfig{
		Source:           client,
		MaxSessions:      cfg.Sessions.MaxSessions,
		PrefetchParallel: cfg.Sessions.PrefetchParallel,
		IdleTimeout:      cfg.Sessions.IdleTimeout(),
		CleanupPeriod:    cfg.Sessions.CleanupPeriod(),
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize session registry")
	}
	sessions.Start()
	defer sessions.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Sessions:    sessions,
		Presets:     presets,
		Datasets:    client,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Msgf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Fields(cacheManager.Stats()).Msg("Server stopped")
}
