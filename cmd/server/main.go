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
	"github.com/robfig/cron/v3"

	"github.com/nptmarket/settlement-engine/internal/api"
	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/balance"
	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/config"
	"github.com/nptmarket/settlement-engine/internal/exposure"
	"github.com/nptmarket/settlement-engine/internal/ledger"
	"github.com/nptmarket/settlement-engine/internal/market"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/mining"
	"github.com/nptmarket/settlement-engine/internal/registry"
	"github.com/nptmarket/settlement-engine/internal/settlement"
	"github.com/nptmarket/settlement-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	clk := clock.System{}
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("NPT_DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Ledger gateway ---
	var gw ledger.Gateway
	if cfg.LedgerURL != "" {
		gw = ledger.NewHTTPGateway(cfg.LedgerURL, cfg.LedgerContract, nil)
		slog.Info("using ledger node", "url", cfg.LedgerURL, "contract", cfg.LedgerContract)
	} else {
		gw = ledger.NewSimulator(clk,
			ledger.WithAutoConfirm(cfg.SimulatorDelay),
			ledger.WithDefaultBalance(cfg.StartBalance),
			ledger.WithFeeRate(cfg.FeeRate),
		)
		slog.Warn("NPT_LEDGER_URL not set, using simulated ledger", "confirm_delay", cfg.SimulatorDelay)
	}

	// --- Balance cache ---
	var balances balance.Cache
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid NPT_REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		balances = balance.NewRedisCache(rdb, gw.GetAccountBalance, cfg.BalanceTTL, clk)
		slog.Info("Redis balance cache enabled", "ttl", cfg.BalanceTTL)
	} else {
		balances = balance.NewMemoryCache(gw.GetAccountBalance, cfg.BalanceTTL, clk)
	}

	// --- Domain components ---
	reg := registry.New(st, clk)
	escrow := auction.NewEscrow()
	mkt := market.New(cfg.Market(), reg, escrow, st, clk)
	auc := auction.New(cfg.Auction(), reg, mkt, escrow, st, clk)
	miner, err := mining.NewEngine(cfg.Mining(), reg, nil)
	if err != nil {
		slog.Error("invalid mining configuration", "err", err)
		os.Exit(1)
	}

	// Items first: listings and auctions reference them.
	for _, c := range []struct {
		name string
		load func(context.Context) error
	}{
		{"items", reg.Load},
		{"listings", mkt.Load},
		{"auctions", auc.Load},
	} {
		if err := c.load(ctx); err != nil {
			slog.Error("state hydration failed", "component", c.name, "err", err)
			os.Exit(1)
		}
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Settlement ---
	rec := settlement.New(cfg.Settlement(), settlement.Deps{
		Gateway:  gw,
		Balances: balances,
		Limiter:  exposure.NewLimiter(),
		Registry: reg,
		Miner:    miner,
		Market:   mkt,
		Auctions: auc,
		Store:    st,
		Notifier: wsHub,
		Clock:    clk,
	})
	if err := rec.Hydrate(ctx); err != nil {
		slog.Error("intent hydration failed", "err", err)
		os.Exit(1)
	}
	go settlement.NewWatcher(rec, gw, cfg.PollInterval).Run(ctx)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// --- Scheduled jobs ---
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.SweepSchedule, func() {
		if err := rec.Sweep(ctx); err != nil {
			slog.Error("auction sweep failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid NPT_SWEEP_SCHEDULE", "schedule", cfg.SweepSchedule, "err", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("@every 10m", func() {
		if n := limiter.Prune(30 * time.Minute); n > 0 {
			slog.Debug("idle rate limiters pruned", "count", n)
		}
	}); err != nil {
		slog.Error("rate limiter pruning not scheduled", "err", err)
		os.Exit(1)
	}
	sched.Start()

	// --- HTTP router ---
	svc := api.NewService(rec, mkt, auc)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware(func(r *http.Request) string {
		return chi.RouteContext(r.Context()).RoutePattern()
	}))

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st := rec.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"settlement-engine","items":%d,"active_listings":%d,"open_auctions":%d,"pending_intents":%d,"ws_clients":%d}`,
			st.Items, st.ActiveListings, st.OpenAuctions, st.PendingIntents, wsHub.Clients())
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(limiter.Handler)
			svc.Routes(r)
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
		slog.Info("settlement-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-sched.Stop().Done()
	stop()
	fmt.Println("settlement-engine stopped")
}
