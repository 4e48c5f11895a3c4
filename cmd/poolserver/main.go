package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/httppool/backend"
	"github.com/AlfredDev/httppool/config"
	"github.com/AlfredDev/httppool/logger"
	"github.com/AlfredDev/httppool/metrics"
	"github.com/AlfredDev/httppool/pool"
	"github.com/AlfredDev/httppool/snapshot"
	"github.com/AlfredDev/httppool/transport"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("httppool poolserver starting")

	registry := metrics.NewRegistry()

	dial := transport.NewDialer(transport.Config{
		DialTimeout:           cfg.DialTimeout,
		KeepAlive:             cfg.KeepAlive,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	})

	connPool := pool.New(pool.Config{
		MaxConnections:  cfg.MaxConnections,
		MaxKeepalive:    cfg.MaxKeepalive,
		KeepaliveExpiry: cfg.KeepaliveExpiry,
		HTTP2Enabled:    cfg.HTTP2Enabled,
		Dial:            dial,
		Backend:         backend.NewStandardBackend(),
		Logger:          &log,
		Metrics:         registry,
	})

	var publisher *snapshot.Publisher
	if cfg.RedisURL != "" {
		rc, err := snapshot.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without Redis")
		} else if err := rc.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without Redis")
		} else {
			log.Info().Msg("redis connected")
			publisher = snapshot.NewPublisher(rc, connPool, registry, "httppool:snapshot", cfg.SnapshotInterval, log)
			publisher.Start(context.Background())
		}
	} else {
		log.Info().Msg("REDIS_URL not set — snapshot publishing disabled")
	}

	r := newRouter(cfg, log, connPool, registry)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("poolserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	if publisher != nil {
		publisher.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := connPool.Close(); err != nil {
		log.Error().Err(err).Msg("pool close reported errors")
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("poolserver stopped gracefully")
	}
}

func newRouter(cfg *config.Config, appLogger zerolog.Logger, connPool *pool.ConnectionPool, registry *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"httppool-poolserver"}`))
	})

	r.Get("/pool/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(connPool.GetConnectionInfo())
	})

	r.Get("/metrics", registry.Handler())

	r.Route("/proxy", func(r chi.Router) {
		r.Use(mwMaxBodySize(1 * 1024 * 1024))
		handler := newProxyHandler(appLogger, connPool)
		r.HandleFunc("/*", handler.ServeHTTP)
	})

	return r
}

func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
