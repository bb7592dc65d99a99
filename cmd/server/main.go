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
	"github.com/shopspring/decimal"

	"github.com/voyapay/rate-engine/internal/aggregate"
	"github.com/voyapay/rate-engine/internal/cache"
	"github.com/voyapay/rate-engine/internal/config"
	"github.com/voyapay/rate-engine/internal/engine"
	"github.com/voyapay/rate-engine/internal/metrics"
	"github.com/voyapay/rate-engine/internal/model"
	"github.com/voyapay/rate-engine/internal/normalize"
	"github.com/voyapay/rate-engine/internal/queue"
	"github.com/voyapay/rate-engine/internal/ranking"
	"github.com/voyapay/rate-engine/internal/sched"
	"github.com/voyapay/rate-engine/internal/selection"
	"github.com/voyapay/rate-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	var cleanup []func()

	// --- Initialize stores ---
	var (
		ticks      store.TickRepository
		aggs       store.AggregateRepository
		selections store.SelectionRepository
		snapshots  store.SnapshotRepository
	)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		ticks, aggs, selections = pg, pg, pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		mem := store.NewMemoryStore()
		ticks, aggs, selections = mem, mem, mem
	}

	// --- Cache backend and snapshot store ---
	var backend cache.Backend
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		backend = cache.NewRedisBackend(rdb)
		snapshots = store.NewRedisSnapshotStore(rdb)
		slog.Info("Redis cache enabled")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory cache")
		backend = cache.NewMemoryBackend()
		snapshots = store.NewMemorySnapshotStore()
	}
	c := cache.New(backend, cache.WithGrace(cfg.CacheGrace))

	// --- Queue publisher ---
	var publisher *queue.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = queue.NewPublisher(cfg.KafkaBrokers)
		cleanup = append(cleanup, func() { publisher.Close() })
		slog.Info("Kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Normalizer ---
	var normOpts []normalize.Option
	if cfg.MaxRate > 0 {
		normOpts = append(normOpts, normalize.WithMaxRate(decimal.NewFromFloat(cfg.MaxRate)))
	}
	normalizer := normalize.New(normOpts...)

	// --- Derived-data components ---
	aggregator := aggregate.New(ticks, aggs, c, cfg.AggregateTTL)
	materializer := ranking.New(selections, snapshots, c, cfg.RankingTTL)

	var eventPub selection.EventPublisher
	if publisher != nil {
		eventPub = publisher
	}
	recorder := selection.NewRecorder(selections, eventPub)

	// --- WebSocket hub ---
	wsHub := engine.NewWSHub()
	go wsHub.Run()

	// --- Engine service ---
	ttls := engine.TTLs{
		Rate:      cfg.RateTTL,
		Aggregate: cfg.AggregateTTL,
		Ranking:   cfg.RankingTTL,
	}
	var ratePub engine.RatePublisher
	if publisher != nil {
		ratePub = publisher
	}
	svc := engine.NewService(normalizer, ticks, aggs, selections, snapshots, recorder, materializer, c, ttls, wsHub, ratePub)

	// --- Background jobs ---
	jobs := []sched.Job{
		{
			Name:  "daily-aggregation",
			Every: cfg.AggregationEvery,
			Run: func(ctx context.Context) error {
				// Re-run yesterday as well so late-arriving ticks for the
				// previous day converge.
				today := time.Now().UTC()
				if err := aggregator.RunDay(ctx, today.AddDate(0, 0, -1)); err != nil {
					return err
				}
				return aggregator.RunDay(ctx, today)
			},
		},
	}
	for _, period := range model.Periods {
		period := period
		jobs = append(jobs, sched.Job{
			Name:       fmt.Sprintf("ranking-%s", period),
			Every:      cfg.MaterializationEvery,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := materializer.Run(ctx, period)
				if errors.Is(err, ranking.ErrRunInFlight) {
					return nil
				}
				return err
			},
		})
	}

	schedCtx, stopJobs := context.WithCancel(context.Background())
	scheduler := sched.New(jobs...)
	scheduler.Start(schedCtx)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"rate-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time rate updates.
		r.Get("/ws", wsHub.HandleWS)

		// Feed ingestion.
		r.Post("/ingest/{source}", svc.HandleIngest)

		// Rate reads.
		r.Get("/rates", svc.HandleGetRates)
		r.Get("/rates/{currencyCode}", svc.HandleGetRate)
		r.Get("/aggregates/{currencyCode}/{date}", svc.HandleGetAggregate)

		// Destination rankings.
		r.Post("/rankings/selections", svc.HandleRecordSelection)
		r.Get("/rankings/countries/{countryCode}", svc.HandleGetCountrySelections)
		r.Get("/rankings/{period}", svc.HandleGetRanking)
		r.Post("/rankings/{period}/recalculate", svc.HandleRecalculateRanking)
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
		slog.Info("rate-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rate-engine...")
	stopJobs()
	scheduler.Wait()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("rate-engine stopped")
}
