package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/Trivenidigital/Vizora-sub002/internal/config"
	"github.com/Trivenidigital/Vizora-sub002/internal/httpapi"
	"github.com/Trivenidigital/Vizora-sub002/internal/lease"
	"github.com/Trivenidigital/Vizora-sub002/internal/notify"
	"github.com/Trivenidigital/Vizora-sub002/internal/observability"
	"github.com/Trivenidigital/Vizora-sub002/internal/pairing"
	"github.com/Trivenidigital/Vizora-sub002/internal/ratelimit"
	"github.com/Trivenidigital/Vizora-sub002/internal/realtime"
	"github.com/Trivenidigital/Vizora-sub002/internal/resolver"
	"github.com/Trivenidigital/Vizora-sub002/internal/store"
	"github.com/Trivenidigital/Vizora-sub002/internal/token"
)

func main() {
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})
	}
	slog.SetDefault(slog.New(handler))

	cfg := config.Load()

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability()
	defer shutdownObs()

	leases := lease.NewStore(cfg.LeaseSweepEvery)
	defer leases.Close()

	hub := realtime.NewHub()
	var notifier pairing.Notifier = hub
	if cfg.MQTTBrokerURL != "" {
		mq, err := notify.NewMQTT(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Warn("mqtt notifier disabled", "broker", cfg.MQTTBrokerURL, "error", err)
		} else {
			notifier = notify.Fanout{hub, mq}
		}
	}

	res := resolver.New(repo, cfg.StorageTimeout)
	guard := pairing.NewGuard(cfg.GuardCooldown, cfg.ThrottleWindow)
	svc := pairing.NewService(leases, res, repo, guard, notifier, cfg.PairingCodeTTL)
	issuer := token.NewIssuer(cfg.JWTSecret, leases, cfg.AuthTokenTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promHandler)

	srv := httpapi.NewServer(svc, hub, issuer)
	srv.Register(mux)

	var root http.Handler = mux
	root = cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(root)
	root = observability.MetricsAndTracingMiddleware(tracer)(root)

	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if pong, err := redisClient.Ping(context.Background()).Result(); err != nil {
			slog.Warn("redis unreachable, request rate limiting disabled", "error", err)
		} else {
			slog.Info("connected to redis", "pong", pong)
			limiter := ratelimit.New(redisClient, "pairing", ratelimit.LimiterConfig{
				RPS:   cfg.RateLimitRPS,
				Burst: cfg.RateLimitBurst,
			})
			root = limiter.Middleware(ratelimit.KeyByIP)(root)
		}
		defer redisClient.Close()
	}

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: root}

	go func() {
		slog.Info("vizora pairing service started", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	slog.Info("vizora pairing service stopped")
}
