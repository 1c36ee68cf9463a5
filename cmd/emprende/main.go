package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/emprende/internal/api"
	"github.com/MikeSquared-Agency/emprende/internal/authenticity"
	"github.com/MikeSquared-Agency/emprende/internal/config"
	"github.com/MikeSquared-Agency/emprende/internal/contextstore"
	"github.com/MikeSquared-Agency/emprende/internal/evalcache"
	"github.com/MikeSquared-Agency/emprende/internal/extractor"
	"github.com/MikeSquared-Agency/emprende/internal/hermes"
	"github.com/MikeSquared-Agency/emprende/internal/llm"
	"github.com/MikeSquared-Agency/emprende/internal/observability"
	"github.com/MikeSquared-Agency/emprende/internal/pipeline"
	"github.com/MikeSquared-Agency/emprende/internal/reference"
	"github.com/MikeSquared-Agency/emprende/internal/slack"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogSource)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("emprende starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.Default()

	// Database
	repo, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath, logger)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	// Reference materials, loaded once.
	ref, err := reference.Load(cfg.ReferenceDir)
	if err != nil {
		slog.Error("failed to load reference materials", "dir", cfg.ReferenceDir, "error", err)
		os.Exit(1)
	}
	slog.Info("reference materials loaded",
		"fields", len(ref.Catalog.Fields),
		"schema_columns", len(ref.Schema),
		"denylist_terms", ref.Denylist.Len(),
	)

	completer, err := llm.New(cfg.LLMProvider, llm.Options{
		Endpoint:    cfg.LLMEndpoint,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		MaxRetries:  cfg.LLMMaxRetries,
		Timeout:     cfg.LLMTimeout,
	})
	if err != nil {
		slog.Error("failed to create completion client", "error", err)
		os.Exit(1)
	}
	slog.Info("completion client ready", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	uploads, err := pipeline.NewArchive(cfg.UploadDir)
	if err != nil {
		slog.Error("failed to prepare upload dir", "error", err)
		os.Exit(1)
	}

	// NATS/Hermes (optional)
	var events *hermes.Client
	if cfg.NatsURL != "" {
		events, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer events.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, events disabled")
	}

	// Slack (optional)
	var reviewer pipeline.Reviewer
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		reviewer = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		slog.Info("slack review channel ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, running without staff review")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	pipe := pipeline.New(pipeline.Deps{
		Repo:      repo,
		Contexts:  contextstore.New(repo, cfg.ContextWindow, cfg.ContextIdleTTL, logger),
		Evals:     evalcache.New(repo, cfg.EvalCacheTTL, logger),
		Completer: completer,
		Extractor: extractor.New(ref.Catalog, logger),
		Validator: authenticity.New(cfg.SimilarityMin, cfg.SimilarityMax),
		Reference: ref,
		Uploads:   uploads,
		Events:    events,
		Reviewer:  reviewer,
		Metrics:   metrics,
		Window:    cfg.ContextWindow,
		Logger:    logger,
	})

	// HTTP API
	srv := api.NewServer(cfg.Port, pipe, api.Options{
		Metrics:        metrics.Handler(),
		Pinger:         repo,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, logger)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("emprende ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	pipe.Wait()
	cancel()
	slog.Info("emprende stopped")
}

func setupLogging(level string, addSource bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl, AddSource: addSource})
	slog.SetDefault(slog.New(handler))
}
