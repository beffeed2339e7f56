// Package main is the entry point for the addonrules server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository and service (eagerly loading the rule cache).
//  4. Wire up the API key token validator and auth rate limiter.
//  5. Start the HTTP server, plus an optional tailnet listener.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/webshopkit/addonrules/internal/config"
	"github.com/webshopkit/addonrules/internal/engine"
	"github.com/webshopkit/addonrules/internal/logging"
	"github.com/webshopkit/addonrules/internal/metrics"
	"github.com/webshopkit/addonrules/internal/middleware"
	"github.com/webshopkit/addonrules/internal/repository"
	"github.com/webshopkit/addonrules/internal/server"
	"github.com/webshopkit/addonrules/internal/service"
	"github.com/webshopkit/addonrules/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	eng := engine.New(
		engine.WithMaxPasses(cfg.CascadeMaxPasses),
		engine.WithStrategy(cfg.ConflictStrategy),
		engine.WithLogger(log),
	)
	svc, err := service.New(ctx, repo,
		service.WithEngine(eng),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetCacheSize),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	authLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer authLimiter.Stop()

	tokenValidator := middleware.NewAPIKeyValidator(repo)
	apiHandler := server.NewHTTPHandler(svc,
		server.WithMetrics(m),
		server.WithStreamPollInterval(cfg.StreamPollInterval),
	)
	httpHandler := newHTTPHandler(apiHandler, tokenValidator,
		middleware.WithOnAuthFailure(m.AuthFailuresTotal.Inc),
		middleware.WithRateLimiter(authLimiter),
	)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "addonrules-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	// Optional private tailnet listener serving the same API.
	var tsServer *tsnet.Server
	if cfg.TSHostname != "" {
		if err := os.MkdirAll(cfg.TSStateDir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.TSHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      cfg.TSStateDir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		tsListener, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("tailnet listener started", "hostname", cfg.TSHostname)

		go func() {
			if err := httpServer.Serve(tsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("tailnet serve error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newHTTPHandler gates /v1/ behind bearer auth while keeping /healthz and
// /metrics reachable without credentials.
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
