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

	"github.com/nearcast/presence-engine/internal/auth"
	"github.com/nearcast/presence-engine/internal/idempotency"
	"github.com/nearcast/presence-engine/internal/location"
	"github.com/nearcast/presence-engine/internal/metrics"
	"github.com/nearcast/presence-engine/internal/presence"
	"github.com/nearcast/presence-engine/internal/ratelimit"
	"github.com/nearcast/presence-engine/internal/realtime"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	verifier := auth.NewVerifier([]byte(jwtSecret))

	var cleanup []func()

	// --- Presence store, rate limiter, idempotency cache ---
	var presenceStore presence.Store
	var limiter ratelimit.Limiter
	var idemCache idempotency.Cache

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		presenceStore = presence.NewRedisStore(rdb, os.Getenv("GEO_INDEX_KEY"))
		limiter = ratelimit.NewRedisLimiter(rdb, 0, 0)
		idemCache = idempotency.NewRedisCache(rdb)
		slog.Info("connected to Redis")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory presence store (single instance only)")
		presenceStore = presence.NewMemoryStore()
		limiter = ratelimit.NewMemoryLimiter(0, 0)
		idemCache = idempotency.NewMemoryCache()
	}

	// --- Optional durable history ---
	var history location.Appender
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		history = location.NewPostgresHistory(pool)
		slog.Info("durable location history enabled")
	} else {
		slog.Info("DATABASE_URL not set, location history disabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Realtime fan-out hub ---
	hub := realtime.NewHub(verifier)
	go hub.Run()

	// --- Location service ---
	locationSvc := location.NewService(presenceStore, history, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(ratelimit.Middleware(limiter))

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"presence-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint; performs its own handshake authentication.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(verifier.Middleware)
			r.Use(idempotency.Middleware(idemCache))

			r.Post("/users/me/location", locationSvc.HandleUpdateLocation)
			r.Get("/users/me/location/latest", locationSvc.HandleGetLatest)
			r.Delete("/users/me/location", locationSvc.HandleGoOffline)
			r.Get("/users/nearby", locationSvc.HandleFindNearby)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("presence-engine listening", "port", port)
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

	slog.Info("shutting down presence-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("presence-engine stopped")
}
