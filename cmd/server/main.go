package main

import (
	"context"
	"errors"
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

	"github.com/atmx/perpsim/internal/broker"
	"github.com/atmx/perpsim/internal/config"
	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/feed"
	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/risk"
	"github.com/atmx/perpsim/internal/sim"
	"github.com/atmx/perpsim/internal/store"
	"github.com/atmx/perpsim/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()
	defer wsHub.Stop()

	publishers := events.Multi{wsHub}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATSSubject))
		slog.Info("publishing events to NATS", "subject_prefix", cfg.NATSSubject)
	}

	// --- Trading backend ---
	eng, err := broker.Open(cfg.Backend, cfg.Sim, st,
		sim.WithPublisher(publishers),
		sim.WithQueueSize(cfg.QueueSize),
	)
	if err != nil {
		slog.Error("trading backend unavailable", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	backend := broker.Instrument(eng)

	// --- Market data ---
	coinbase := feed.New(cfg.CoinbaseWSURL, cfg.Sim.Symbols, eng)
	go coinbase.Run(ctx)

	// --- Periodic reconcile ---
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				backend.Reconcile(ctx)
			}
		}
	}()

	// --- Order validation ---
	validator := risk.NewValidator(backend.Limits(), cfg.Sim.TickSizeFor)
	validator.Exposure = risk.NewExposureLimiter(cfg.MaxSymbolNotional, cfg.MaxTotalNotional)

	// --- Trade service ---
	tradeSvc := trade.NewService(backend, st, validator, cfg.Sim.Symbols)
	tradeSvc.SetFeed(coinbase)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", tradeSvc.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for fills, liquidations and funding.
		// Registered outside the timeout group so streams stay open.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Account and market data.
			r.Get("/account", tradeSvc.GetAccount)
			r.Get("/markets", tradeSvc.GetMarkets)
			r.Get("/limits", tradeSvc.GetLimits)
			r.Get("/candles/{symbol}", tradeSvc.GetCandles)

			// Orders.
			r.Get("/orders", tradeSvc.ListOrders)
			r.Post("/orders", tradeSvc.PlaceOrders)
			r.Delete("/orders/{clientID}", tradeSvc.CancelOrder)
			r.Post("/reconcile", tradeSvc.Reconcile)

			// Audit trail.
			r.Get("/trades", tradeSvc.ListTrades)
			r.Get("/positions", tradeSvc.ListPositions)
			r.Get("/equity", tradeSvc.ListEquity)
			r.Get("/chat", tradeSvc.ListChat)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perpsim listening", "port", cfg.Port, "backend", cfg.Backend, "symbols", cfg.Sim.Symbols)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down perpsim...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := backend.Reconcile(shutdownCtx); err != nil {
		slog.Error("final reconcile failed", "err", err)
	}
	if err := backend.Close(shutdownCtx); err != nil {
		slog.Error("backend close failed", "err", err)
	}
	fmt.Println("perpsim stopped")
}
