package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"comfygate/internal/admission"
	"comfygate/internal/comfy"
	"comfygate/internal/engine"
	"comfygate/internal/http/handlers"
	httpapi "comfygate/internal/http/httpapi"
	"comfygate/internal/infra"
	"comfygate/internal/metrics"
	"comfygate/internal/store"
	"comfygate/internal/tags"
	"comfygate/internal/workflow"
)

var _ engine.Gateway = (*comfy.Client)(nil)

func main() {
	// Load .env (optional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	// A template without placeholders would generate from stale inputs, so
	// the probe render runs before the server accepts any traffic.
	template, err := workflow.Load(cfg.WorkflowPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.WorkflowPath).Msg("failed to load workflow template")
	}
	if _, err := workflow.Render(template, workflow.Params{PositivePrompt: "probe"}); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.WorkflowPath).Msg("workflow template is not usable")
	}

	dict, err := tags.Load(cfg.TagCSVPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.TagCSVPath).Msg("tag dictionary unavailable, serving fallback list")
	}

	ctx := context.Background()
	var snapStore store.SnapshotStore
	switch cfg.SnapshotBackend {
	case infra.SnapshotBackendRedis:
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		snapStore = store.NewRedisStore(rdb, cfg.HistoryTTL)
	case infra.SnapshotBackendPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare snapshot schema")
		}
		snapStore = pg
	default:
		snapStore = store.NewMemoryStore()
	}
	logger.Info().Str("backend", cfg.SnapshotBackend).Msg("snapshot store ready")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mset := metrics.New(registry)

	counters := admission.NewCounters(admission.Limits{
		PerUser: cfg.MaxActiveRequests,
		Global:  cfg.GlobalMaxActiveRequests,
	})

	gateway := comfy.New(comfy.Options{
		APIBase: cfg.APIBase,
		WSURL:   cfg.WSURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	})

	eng := engine.New(engine.Options{
		Gateway:          gateway,
		Counters:         counters,
		Store:            snapStore,
		Template:         template,
		Redactor:         cfg.Redactor(),
		Metrics:          mset,
		Logger:           logger,
		RequestTimeout:   cfg.RequestTimeout,
		ReconcileTimeout: cfg.ReconcileTimeout,
		HistoryTTL:       cfg.HistoryTTL,
	})

	app := &handlers.App{
		Engine:  eng,
		Tags:    dict,
		Widths:  cfg.Widths,
		Heights: cfg.Heights,
		Logger:  logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Registry:        registry,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
