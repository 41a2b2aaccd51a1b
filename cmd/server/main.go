package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/transcriber/internal/blobstore"
	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/events"
	"github.com/lexiqai/transcriber/internal/kb"
	"github.com/lexiqai/transcriber/internal/observability"
	"github.com/lexiqai/transcriber/internal/pipeline"
	"github.com/lexiqai/transcriber/internal/recording"
	"github.com/lexiqai/transcriber/internal/resilience"
	"github.com/lexiqai/transcriber/internal/server"
	"github.com/lexiqai/transcriber/internal/stt"
	"github.com/lexiqai/transcriber/internal/title"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("engine", cfg.RecognizerEngine).
		Str("locale", cfg.TranscriptionLocale).
		Bool("knowledge_base", cfg.KnowledgeBaseEnabled()).
		Bool("blob_store", cfg.BlobStoreEnabled()).
		Bool("events", cfg.EventsEnabled()).
		Bool("title_suggestions", cfg.TitleSuggestionsEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcriber service starting")

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	// Local storage
	store, err := recording.OpenSQLite(startCtx, cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StorePath).Msg("Failed to open recording store")
	}
	defer store.Close()
	files, err := recording.NewFiles(cfg.RecordingsDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.RecordingsDir).Msg("Failed to prepare recordings directory")
	}

	// Recognizer
	engine, err := newEngine(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create recognizer engine")
	}
	handle := stt.NewHandle(engine)

	// Optional collaborators
	publisher, err := events.FromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect event publisher")
	}
	hub := server.NewHub()

	managerCfg := pipeline.Config{
		Store:           store,
		Files:           files,
		Handle:          handle,
		Locale:          cfg.TranscriptionLocale,
		FinalizeTimeout: cfg.FinalizeTimeoutDuration(),
		Titles:          title.FromConfig(cfg),
		Events:          publisher,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		OnChange: hub.Publish,
	}

	blobs, err := blobstore.NewClientFromConfig(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create blob store client")
	}
	if blobs != nil {
		managerCfg.Blobs = blobs
	}

	var coordinator *kb.Coordinator
	if cfg.KnowledgeBaseEnabled() {
		coordinator, err = newCoordinator(cfg, store, files, publisher, hub)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create knowledge base client")
		}
		managerCfg.Sync = coordinator
	}

	manager := pipeline.NewManager(managerCfg)

	// Readiness checks shared by /ready and the gRPC health service
	checks := map[string]observability.HealthCheckFunc{
		"store": func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"recognizer": func(ctx context.Context) (bool, error) {
			locales, err := engine.SupportedLocales(ctx)
			if err != nil {
				return false, err
			}
			if !stt.ContainsLocale(locales, cfg.TranscriptionLocale) {
				return false, fmt.Errorf("locale %s not supported by %s", cfg.TranscriptionLocale, engine.Name())
			}
			return true, nil
		},
	}
	if nats, ok := publisher.(*events.NATSPublisher); ok {
		checks["events"] = func(ctx context.Context) (bool, error) {
			if !nats.Healthy() {
				return false, fmt.Errorf("not connected to NATS")
			}
			return true, nil
		}
	}

	srv := server.New(manager, hub, server.Options{
		RequirePermission: cfg.RequireCapturePermission,
		StopTimeout:       cfg.FinalizeTimeoutDuration() + 5*time.Second,
		ReadyChecks:       checks,
		MetricsEnabled:    cfg.MetricsEnabled,
	})
	if cfg.MetricsEnabled {
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. WebSocket connections clear these
	// deadlines once upgraded.
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcHealth := observability.NewGRPCHealth(checks, 10*time.Second)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.GRPCHealthPort)
		logger.Info().Str("addr", addr).Msg("gRPC health service listening")
		if err := grpcHealth.Serve(addr); err != nil {
			logger.Error().Err(err).Msg("gRPC health service stopped")
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("record_endpoint", streamURL(cfg, "/streams/record")).
			Str("playback_endpoint", streamURL(cfg, "/streams/playback")).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Open captures are saved, then their queued segments are synced
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Pipeline did not shut down cleanly")
	}
	if coordinator != nil {
		if err := coordinator.Close(ctx); err != nil {
			logger.Error().Err(err).Msg("Knowledge base sync did not drain")
		}
	}
	handle.ReleaseAll()
	publisher.Close()
	grpcHealth.Stop()

	logger.Info().Msg("Server exited gracefully")
}

func newEngine(cfg *config.Config) (stt.Engine, error) {
	switch cfg.RecognizerEngine {
	case config.EngineCommand:
		return stt.NewCommandEngine(stt.CommandConfigFromConfig(cfg))
	default:
		return stt.NewDeepgramEngine(cfg), nil
	}
}

func newCoordinator(cfg *config.Config, store recording.Store, files *recording.Files, publisher events.Publisher, hub *server.Hub) (*kb.Coordinator, error) {
	breaker := resilience.NewCircuitBreaker(
		"knowledge_base",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	client, err := kb.NewClient(kb.ConfigFromConfig(cfg), breaker)
	if err != nil {
		return nil, err
	}

	kbLogger := observability.Component("kb").With().Str("endpoint", client.Endpoint()).Logger()
	return kb.NewCoordinator(client, store, kb.CoordinatorOptions{
		Timeout: cfg.KBTimeoutDuration(),
		SourcePath: func(rec recording.Recording) string {
			if rec.FileName == "" {
				return ""
			}
			return files.Path(rec.FileName)
		},
		OnStatusChange: func(rec recording.Recording) {
			publisher.PublishSync(events.SyncEvent{RecordingID: rec.ID, Status: rec.Sync, At: time.Now()})
			hub.Publish(rec)
		},
		Logger: &kbLogger,
	}), nil
}

func streamURL(cfg *config.Config, path string) string {
	if u, err := url.Parse(cfg.PublicURL); err == nil && u.Host != "" {
		scheme := "wss"
		if u.Scheme == "http" || u.Scheme == "ws" {
			scheme = "ws"
		}
		return scheme + "://" + u.Host + path
	}
	return fmt.Sprintf("ws://localhost:%s%s", cfg.Port, path)
}
