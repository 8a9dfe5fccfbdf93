// Package main is the entry point for the lldrules server.
//
// The bootstrap sequence is:
//  1. Load configuration from flags, LLDRULES_* variables and -config.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Create the repository, the optional NATS publisher and the service.
//  4. Serve HTTP and gRPC concurrently until SIGINT/SIGTERM, then shut both
//     down gracefully.
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
	"github.com/matt-riley/lldrules/internal/bus"
	"github.com/matt-riley/lldrules/internal/config"
	"github.com/matt-riley/lldrules/internal/logging"
	"github.com/matt-riley/lldrules/internal/metrics"
	"github.com/matt-riley/lldrules/internal/middleware"
	"github.com/matt-riley/lldrules/internal/repository"
	"github.com/matt-riley/lldrules/internal/server"
	"github.com/matt-riley/lldrules/internal/service"
	"github.com/matt-riley/lldrules/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

var errInvalidAPIKey = errors.New("invalid api key")

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithWriter(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		if err := runMigrations(ctx, pool, log); err != nil {
			return err
		}
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	repo := repository.NewPostgresRepository(pool)
	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithRecorder(m),
		service.WithStrictTemplatedPreprocessing(cfg.StrictTemplatedPreprocessing),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
	}
	if cfg.NATSURL != "" {
		publisher, err := bus.NewPublisher(cfg.NATSURL, cfg.NATSSubject, bus.WithRecorder(m))
		if err != nil {
			return err
		}
		defer publisher.Close()
		serviceOpts = append(serviceOpts, service.WithPublisher(publisher))
		log.Info("publishing rule events", "subject", cfg.NATSSubject)
	}

	svc, err := service.New(ctx, repo, serviceOpts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	validator := &apiKeyValidator{lookup: repo}
	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()
	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(rateLimiter),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, cfg, m, log, validator, authOpts...),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
	}
	grpcServer := newGRPCServer(svc, cfg, m, log, validator, authOpts...)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")
		return shutdown(httpServer, grpcServer)
	})

	log.Info("server started", "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr)
	return g.Wait()
}

func newHTTPHandler(svc server.Service, cfg config.Config, m *metrics.Metrics, log *slog.Logger, validator middleware.KeyValidator, authOpts ...middleware.AuthOption) http.Handler {
	api := server.NewHTTPHandler(svc,
		server.WithStreamPollInterval(cfg.StreamPollInterval),
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithAuthMiddleware(middleware.HTTPBearerAuthMiddleware(validator, authOpts...)),
		server.WithMetrics(m),
	)
	return otelhttp.NewHandler(middleware.HTTPRequestLogging(log)(api), "lldrules-http")
}

func newGRPCServer(svc server.Service, cfg config.Config, m *metrics.Metrics, log *slog.Logger, validator middleware.KeyValidator, authOpts ...middleware.AuthOption) *grpc.Server {
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			m.UnaryServerInterceptor(),
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(validator, authOpts...),
		),
		grpc.ChainStreamInterceptor(
			m.StreamServerInterceptor(),
			middleware.StreamBearerAuthInterceptor(validator, authOpts...),
		),
	)
	server.RegisterDiscoveryRuleService(gs, server.NewGRPCServerWithStreamPollInterval(svc, cfg.StreamPollInterval))
	return gs
}

func shutdown(httpServer *http.Server, grpcServer *grpc.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	httpErr := httpServer.Shutdown(ctx)

	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if httpErr != nil {
		return fmt.Errorf("shutdown HTTP: %w", httpErr)
	}
	return nil
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// apiKeyValidator checks bearer secrets against the bcrypt hashes stored in
// api_keys.
type apiKeyValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyValidator) ValidateKey(ctx context.Context, keyID, secret string) error {
	if v == nil || v.lookup == nil {
		return errors.New("api key validator is nil")
	}
	if keyID == "" || secret == "" {
		return errInvalidAPIKey
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, secret) {
		return errInvalidAPIKey
	}
	return nil
}
