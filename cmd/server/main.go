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
	"github.com/rs/cors"

	"github.com/dog-ball/gsy-e/internal/api"
	"github.com/dog-ball/gsy-e/internal/config"
	"github.com/dog-ball/gsy-e/internal/gateway"
	"github.com/dog-ball/gsy-e/internal/matching"
	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/pubsub"
	"github.com/dog-ball/gsy-e/internal/sim"
	"github.com/dog-ball/gsy-e/internal/store"
	"github.com/dog-ball/gsy-e/internal/tradefeed"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- Grid layout ---
	grid := &config.DefaultGrid
	if cfg.GridFile != "" {
		if grid, err = config.LoadGrid(cfg.GridFile); err != nil {
			slog.Error("grid file", "err", err)
			os.Exit(1)
		}
	}
	tree, err := grid.Tree()
	if err != nil {
		slog.Error("invalid grid layout", "err", err)
		os.Exit(1)
	}

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and pub/sub transport) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Trade feed ---
	var feed tradefeed.Feed = tradefeed.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		p := tradefeed.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() { p.Close() })
		feed = p
		slog.Info("trade feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- External matching channel ---
	var transport pubsub.Transport
	if rdb != nil {
		transport = pubsub.NewRedis(rdb)
	} else {
		if cfg.Matcher == "external" {
			slog.Warn("REDIS_URL not set, external matching only reachable in-process")
		}
		transport = pubsub.NewMemory()
	}
	cleanup = append(cleanup, func() { transport.Close() })

	// The gateway executes on the simulation goroutine; both are created
	// before either runs.
	var simulation *sim.Simulation
	gw := gateway.New(cfg.SimulationID, transport,
		gateway.WithExecutor(executorFunc(func(ctx context.Context, fn func()) error {
			return simulation.Do(ctx, fn)
		})),
		gateway.WithLinks(linksFunc(func(orderID string) []string {
			return simulation.Counterparts(orderID)
		})),
	)

	matcher, err := matching.New(cfg.Matcher, gw)
	if err != nil {
		slog.Error("invalid matcher", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()

	simulation = sim.New(tree, sim.Settings{
		TickInterval: cfg.TickInterval,
		TicksPerSlot: cfg.TicksPerSlot,
		SlotLength:   cfg.SlotLength,
		SlotCount:    cfg.SlotCount,
		MinOfferAge:  cfg.MinOfferAge,
	},
		sim.WithMatcher(matcher),
		sim.WithLifecycle(gw),
		sim.WithStore(st),
		sim.WithFeed(feed),
		sim.WithObserver(wsHub.Broadcast),
	)

	apiSvc := api.NewService(simulation, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for frontend cross-origin requests.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"gsy-e"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for simulation events; no request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			apiSvc.Routes(r)
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
		slog.Info("gsy-e listening", "port", cfg.Port, "simulation_id", cfg.SimulationID, "matcher", cfg.Matcher)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := gw.Run(ctx); err != nil {
			slog.Error("gateway stopped", "err", err)
		}
	}()

	simDone := make(chan error, 1)
	go func() { simDone <- simulation.Run(ctx) }()

	// The API stays up after the run finishes so results can be read.
	select {
	case err := <-simDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("simulation failed", "err", err)
		}
		<-ctx.Done()
	case <-ctx.Done():
		gw.Shutdown()
		<-simDone
	}
	gw.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down gsy-e...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("gsy-e stopped")
}

// executorFunc adapts a function to gateway.Executor.
type executorFunc func(ctx context.Context, fn func()) error

func (f executorFunc) Do(ctx context.Context, fn func()) error { return f(ctx, fn) }

// linksFunc adapts a function to gateway.Links.
type linksFunc func(orderID string) []string

func (f linksFunc) Counterparts(orderID string) []string { return f(orderID) }
