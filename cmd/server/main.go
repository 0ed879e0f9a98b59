package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lmittmann/tint"
	"github.com/loupe-obs/loupe/pkg/alerts"
	"github.com/loupe-obs/loupe/pkg/breaker"
	"github.com/loupe-obs/loupe/pkg/cache"
	"github.com/loupe-obs/loupe/pkg/config"
	"github.com/loupe-obs/loupe/pkg/engine"
	"github.com/loupe-obs/loupe/pkg/pipeline"
	"github.com/loupe-obs/loupe/pkg/pool"
	"github.com/loupe-obs/loupe/pkg/storage"
	"github.com/loupe-obs/loupe/pkg/storage/badgerstore"
	"github.com/loupe-obs/loupe/pkg/storage/memstore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      parseLevel(cfg.LogLevel),
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Hot tier on badger; warm and cold on in-process stores until
	// external tiers are attached.
	hot, err := badgerstore.New(badgerstore.Config{
		Path:        cfg.Storage.HotPath,
		InMemory:    cfg.Storage.HotInMemory,
		MaxMemoryMB: int64(cfg.Storage.HotMemoryMB),
	})
	if err != nil {
		return err
	}
	backends := map[storage.Tier]storage.Backend{
		storage.TierHot:  hot,
		storage.TierWarm: memstore.New(storage.TierWarm),
		storage.TierCold: memstore.New(storage.TierCold),
	}

	notifiers := map[alerts.ActionType]alerts.Notifier{}
	if cfg.Alerts.SlackToken != "" {
		notifiers[alerts.ActionSlack] = alerts.NewSlackNotifier(cfg.Alerts.SlackToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	eng, err := engine.New(ctx, engineConfig(cfg), engine.Options{
		Backends:  backends,
		Notifiers: notifiers,
		Logger:    logger,
	})
	cancel()
	if err != nil {
		return err
	}

	router := mux.NewRouter()
	newAPIServer(eng, logger).routes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	return eng.Shutdown(shutdownCtx)
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Pool: pool.Config{
			MinSize:        cfg.Pool.MinSize,
			MaxSize:        cfg.Pool.MaxSize,
			ConnectTimeout: cfg.Pool.ConnectTimeout,
			IdleTimeout:    cfg.Pool.IdleTimeout,
			MaxLifetime:    cfg.Pool.MaxLifetime,
		},
		Resources: pool.ManagerConfig{
			MaxMemoryMB:            cfg.Resources.MaxMemoryMB,
			MaxStreamSubscriptions: cfg.Resources.MaxStreamSubscriptions,
		},
		Cache: cache.Config{
			MaxSizeBytes:  cfg.Cache.MaxSizeMB * 1024 * 1024,
			DefaultTTL:    cfg.Cache.DefaultTTL,
			AggressiveTTL: cfg.Cache.AggressiveTTL,
		},
		Alerts: alerts.Config{
			TickInterval:    cfg.Alerts.TickInterval,
			DefaultThrottle: cfg.Alerts.DefaultThrottle,
		},
		Pipeline: pipeline.Config{
			EnrichConcurrency: cfg.Pipeline.EnrichConcurrency,
			EnrichTimeout:     cfg.Pipeline.EnrichTimeout,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			CallTimeout:      cfg.Breaker.CallTimeout,
		},
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
