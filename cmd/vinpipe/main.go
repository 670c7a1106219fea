package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinpipe/vinpipe/internal/api"
	"github.com/vinpipe/vinpipe/internal/cleanup"
	"github.com/vinpipe/vinpipe/internal/config"
	"github.com/vinpipe/vinpipe/internal/decode"
	"github.com/vinpipe/vinpipe/internal/job"
	"github.com/vinpipe/vinpipe/internal/notify"
	"github.com/vinpipe/vinpipe/internal/runner"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.UploadsDir, cfg.OutputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sched := cleanup.NewScheduler(store, cfg.UploadsDir, cfg.OutputsDir, cleanup.Policy{
		Delay:         cfg.CleanupDelay,
		MaxAge:        cfg.MaxArtifactAge,
		SweepInterval: cfg.SweepInterval,
	})
	go sched.Run(ctx)

	client := decode.NewClient(cfg.DecodeURL)
	client.Attempts = cfg.RetryAttempts
	client.BaseDelay = cfg.RetryBaseDelay
	engine := decode.NewEngine(store, client, cfg.BatchSize, cfg.BatchDelay, cfg.OutputsDir)

	run := runner.New(ctx, store, engine.Run, sched, notify.Send)

	mux := http.NewServeMux()
	h := api.NewHandler(store, run, sched, cfg)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: the event stream stays open for a job's lifetime.
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("vinpipe listening", "addr", cfg.ListenAddr, "store", cfg.Store)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return job.NewSQLiteStore(cfg.DBPath)
	case config.StoreRedis:
		return job.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MaxArtifactAge)
	default:
		return job.NewFileStore(cfg.JobsDir)
	}
}
