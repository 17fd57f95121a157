package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/bank"
	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

// publishFunc records a price with a price source.
type publishFunc func(ctx context.Context, t model.Token, p model.OraclePrice) error

func serve(ctx context.Context, cfg *config.Config) error {
	provider, err := config.NewProvider(cfg)
	if err != nil {
		return err
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price source ---
	var (
		prices  engine.Oracle
		publish publishFunc
	)
	if rdb != nil {
		feed := oracle.NewRedisFeed(rdb)
		prices, publish = feed, feed.Publish
		slog.Info("reading prices from Redis")
	} else {
		feed := oracle.NewFeed()
		prices = feed
		publish = func(_ context.Context, t model.Token, p model.OraclePrice) error {
			feed.Set(t, p)
			return nil
		}
	}
	seeds := provider.SeedPrices()
	if err := seedPrices(ctx, publish, seeds); err != nil {
		return fmt.Errorf("seed prices: %w", err)
	}

	// --- WebSocket hub ---
	hub := trade.NewWSHub()
	go hub.Run(ctx)

	// --- Engine ---
	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Store:   st,
		Oracle:  prices,
		Bank:    bank.NewLedger(),
		Configs: provider,
		Sink:    hub,
		Logger:  slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	if err := createConfigured(ctx, eng, provider.Markets()); err != nil {
		return err
	}

	// --- Background workers ---
	if len(seeds) > 0 {
		go refreshPrices(ctx, publish, seeds, cfg.Engine.MaxPriceAge/2)
	}
	k := keeper.New(eng, keeper.Config{
		Interval:    cfg.Keeper.Interval,
		Concurrency: cfg.Keeper.Concurrency,
	}, slog.Default())
	go k.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := trade.NewService(eng)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed engine events.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("perp-engine listening", "port", cfg.Port, "markets", len(eng.Markets()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down perp-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("perp-engine stopped")
	return nil
}

// createConfigured creates every configured market the store does not
// hold yet.
func createConfigured(ctx context.Context, eng *engine.Engine, markets []model.MarketProps) error {
	existing := make(map[model.Token]bool)
	for _, p := range eng.Markets() {
		existing[p.MarketToken] = true
	}
	for _, props := range markets {
		if existing[props.MarketToken] {
			continue
		}
		if _, err := eng.CreateMarket(ctx, props); err != nil && !errors.Is(err, model.ErrDuplicateMarket) {
			return fmt.Errorf("create market %s: %w", props.MarketToken, err)
		}
	}
	return nil
}

func seedPrices(ctx context.Context, publish publishFunc, seeds map[model.Token]*big.Int) error {
	now := time.Now()
	for tok, px := range seeds {
		p := model.OraclePrice{Price: model.NewPrice(px, px), Timestamp: now}
		if err := publish(ctx, tok, p); err != nil {
			return fmt.Errorf("%s: %w", tok, err)
		}
	}
	return nil
}

// refreshPrices re-stamps the static prices so they never go stale.
func refreshPrices(ctx context.Context, publish publishFunc, seeds map[model.Token]*big.Int, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := seedPrices(ctx, publish, seeds); err != nil {
				slog.Warn("price refresh failed", "err", err)
			}
		}
	}
}
