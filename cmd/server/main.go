package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/strikeline/trade-engine/internal/api"
	"github.com/strikeline/trade-engine/internal/config"
	"github.com/strikeline/trade-engine/internal/exec"
	"github.com/strikeline/trade-engine/internal/feed"
	"github.com/strikeline/trade-engine/internal/fingerprint"
	"github.com/strikeline/trade-engine/internal/metrics"
	"github.com/strikeline/trade-engine/internal/risk"
	"github.com/strikeline/trade-engine/internal/store"
	"github.com/strikeline/trade-engine/internal/strike"
	"github.com/strikeline/trade-engine/internal/ticket"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "engine.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Ticket store ---
	var st store.TicketStore
	var fpProvider fingerprint.Provider
	var cleanup []func()

	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		fpProvider = store.NewPostgresFingerprintProvider(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (tickets will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Fingerprint models ---
	fpStore := fingerprint.NewStore()
	if fpProvider != nil {
		go fpStore.RunRefresh(ctx, fpProvider, cfg.RefreshInterval())
	} else {
		slog.Warn("no fingerprint provider configured, probabilities unavailable until loaded")
	}
	engine := fingerprint.NewEngine(fpStore)

	// --- Market data feed ---
	f := feed.New()
	if cfg.Feed.WebSocketURL != "" {
		go feed.NewListener(cfg.Feed.WebSocketURL, f).Run(ctx)
	} else if cfg.Feed.TickURL != "" {
		poller := feed.NewPoller(cfg.Feed.TickURL, cfg.Feed.MarketsURL, f, float64(cfg.Feed.MaxRequestsPerSec))
		go poller.Run(ctx, cfg.PollInterval())
	} else {
		slog.Warn("no feed configured, strike table will never build")
	}

	// --- Strike table ---
	builder := strike.NewBuilder(engine, strike.Params{
		Symbol:      cfg.Strike.Symbol,
		Increment:   cfg.Increment(),
		VolumeFloor: cfg.Strike.VolumeFloor,
		AskCeiling:  cfg.AskCeiling(),
	})
	go builder.Run(ctx, f, cfg.BuildInterval(), cfg.FeedMaxAge())

	// --- Execution ---
	if !cfg.Execution.Paper {
		slog.Warn("live execution not configured, falling back to paper fills")
	}
	executor := exec.NewRateLimited(
		exec.NewPaperExecutor(builder),
		float64(cfg.Execution.MaxRequestsPerSec),
	)

	// --- Ticket coordinator ---
	limiter := ticket.NewPositionLimiter(cfg.Execution.MaxPerStrike, cfg.Execution.MaxPerSymbol)
	coord := ticket.NewCoordinator(st, executor, limiter)
	if err := coord.Recover(ctx); err != nil {
		slog.Error("ticket recovery failed", "err", err)
		os.Exit(1)
	}

	// --- Risk supervisor ---
	supervisor := risk.New(coord, builder, f, cfg.FeedMaxAge(), cfg.Risk.AutoClose)
	go supervisor.Run(ctx, cfg.RiskInterval())

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run()
	go hub.WatchTables(ctx, builder, time.Second)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.NewServer(coord, builder, supervisor, hub).Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trade-engine listening", "port", cfg.Server.Port, "symbol", cfg.Strike.Symbol)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel() // stop the feed, builder, supervisor and refresh loops

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}
