package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pauljones0/pricefeed/internal/benchmark"
	"github.com/pauljones0/pricefeed/internal/breaker"
	"github.com/pauljones0/pricefeed/internal/config"
	"github.com/pauljones0/pricefeed/internal/matcher"
	"github.com/pauljones0/pricefeed/internal/metrics"
	"github.com/pauljones0/pricefeed/internal/notifier"
	"github.com/pauljones0/pricefeed/internal/processor"
	"github.com/pauljones0/pricefeed/internal/queue"
	"github.com/pauljones0/pricefeed/internal/reviewlog"
	"github.com/pauljones0/pricefeed/internal/scheduler"
	"github.com/pauljones0/pricefeed/internal/storage"
	"github.com/pauljones0/pricefeed/internal/util"
	"github.com/pauljones0/pricefeed/internal/worker"
)

const cleanupInterval = time.Hour

func main() {
	slog.Info("Starting pricefeed server...")
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Critical error loading configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Postgres may still be starting when the container comes up.
	var pool *pgxpool.Pool
	err = util.RetryWithBackoff(ctx, 4, func(attempt int) error {
		var openErr error
		pool, openErr = storage.OpenPool(ctx, cfg.DatabaseURL, int32(cfg.Worker.Concurrency+4))
		if openErr != nil {
			slog.Warn("Postgres not reachable", "attempt", attempt+1, "error", openErr)
		}
		return openErr
	})
	if err != nil {
		slog.Error("Critical error connecting to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool)
	q := queue.New(pool, queue.Options{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Scheduler.RetryBaseDelay,
	})
	if err := store.Migrate(ctx); err != nil {
		slog.Error("Critical error migrating store", "error", err)
		os.Exit(1)
	}
	if err := q.Migrate(ctx); err != nil {
		slog.Error("Critical error migrating queue", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()

	targets := notifier.Fanout{notifier.New(cfg.DiscordWebhookURL)}
	if cfg.ProjectID != "" {
		reviews, err := reviewlog.New(ctx, cfg.ProjectID)
		if err != nil {
			slog.Warn("Review log unavailable, blocked runs will only be announced", "error", err)
		} else {
			defer reviews.Close()
			targets = append(targets, reviews)
		}
	}
	alerts := notifier.NewAsync(targets, 0, 0)
	defer alerts.Close()

	patterns, err := matcher.LoadPatterns(cfg.PatternsPath)
	if err != nil {
		slog.Error("Critical error loading matcher patterns", "error", err)
		os.Exit(1)
	}
	var tiers []matcher.Tier
	hinter, err := matcher.NewGeminiHinter(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, 1)
	if err != nil {
		slog.Warn("Gemini hint tier disabled", "error", err)
	} else if hinter != nil {
		tiers = append(tiers, matcher.NewHintTier(hinter))
	}

	sched := scheduler.New(store, q, cfg.Scheduler, collector)
	var fetcher processor.Fetcher
	if cfg.FetcherURL != "" {
		fetcher = processor.NewHTTPFetcher(cfg.FetcherURL, 0)
	} else {
		slog.Warn("FETCHER_URL not set, ingest jobs will fail")
	}

	proc := processor.New(processor.Deps{
		Store:    store,
		Queue:    q,
		Fetcher:  fetcher,
		Gate:     breaker.NewGate(cfg.Breaker, alerts, collector),
		Matcher:  matcher.New(store, patterns, matcher.NewResolver(tiers...), cfg.Matcher.BatchSize, collector),
		Engine:   benchmark.NewEngine(store, cfg.Benchmark, cfg.Worker.Concurrency, collector),
		Insights: benchmark.NewInsightEngine(store, cfg.Benchmark, cfg.Matcher.BatchSize, collector),
		Ticker:   sched,
	}, cfg, collector)

	workers := worker.New(q, proc, worker.DefaultLanes(cfg.Worker.Concurrency), cfg.Worker.PollInterval, collector)

	srv := &Server{queue: q, db: pool, collector: collector, now: time.Now}
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go srv.runTicker(ctx, cfg.Scheduler.TickInterval, cleanupInterval, func(ctx context.Context) error {
		_, err := sched.Cleanup(ctx)
		return err
	})

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := workers.Run(ctx); err != nil {
			slog.Error("Worker pool stopped", "error", err)
		}
	}()

	// Graceful shutdown on SIGTERM/SIGINT
	go func() {
		<-ctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("Listening on port", "port", cfg.Port, "workers", cfg.Worker.Concurrency)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to listen and serve", "error", err)
		stop()
	}
	<-workersDone
	slog.Info("Server stopped.")
}
