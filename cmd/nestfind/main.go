package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	apiadapter "github.com/ericfisherdev/nestfind/internal/adapter/driven/api"
	cacheadapter "github.com/ericfisherdev/nestfind/internal/adapter/driven/cache"
	"github.com/ericfisherdev/nestfind/internal/adapter/driven/grpcauth"
	memoryadapter "github.com/ericfisherdev/nestfind/internal/adapter/driven/memory"
	redisadapter "github.com/ericfisherdev/nestfind/internal/adapter/driven/redis"
	"github.com/ericfisherdev/nestfind/internal/adapter/driven/seal"
	sqliteadapter "github.com/ericfisherdev/nestfind/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/nestfind/internal/adapter/driving/http"
	"github.com/ericfisherdev/nestfind/internal/application"
	"github.com/ericfisherdev/nestfind/internal/config"
	"github.com/ericfisherdev/nestfind/internal/domain/model"
	"github.com/ericfisherdev/nestfind/internal/domain/port/driven"
	"github.com/ericfisherdev/nestfind/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid settings).
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"api_base_url", cfg.APIBaseURL,
		"store", cfg.Store,
		"refresh_buffer", cfg.RefreshBuffer,
		"check_interval", cfg.CheckInterval,
		"tamper_interval", cfg.TamperInterval,
		"encrypted", cfg.EncryptionKey != "",
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the credential store.
	sealer, err := newSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(ctx, cfg, sealer, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	slog.Info("credential store ready", "store", cfg.Store, "origin", store.Origin())

	// 4. Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 5. Wire the session core. The response cache sits under the pipeline
	// and is purged on every logout.
	responseCache := cacheadapter.New()
	authAPI := apiadapter.NewClient(cfg.APIBaseURL, nil, cfg.APITimeout)

	session := application.NewSessionService(store, authAPI, responseCache, cfg.LoginPath, logger, m)
	coordinator := application.NewRefreshCoordinator(store, authAPI, session.ForceLogout, application.RefreshConfig{
		Timeout:    cfg.RefreshTimeout,
		Retries:    cfg.RefreshRetries,
		RetryDelay: cfg.RefreshRetryDelay,
	}, logger, m)
	pipeline := application.NewPipeline(responseCache.Transport(http.DefaultTransport), store, coordinator, session.ForceLogout, logger, m)

	authedClient := pipeline.Client()
	authedClient.Timeout = cfg.APITimeout
	authAPI.UseAuthenticatedClient(authedClient)

	session.OnLogout(func(e model.LogoutEvent) {
		if e.Mode == model.LogoutForced {
			slog.Warn("session ended, sign in again", "login_path", e.LoginPath, "reason", e.Reason)
		}
	})

	if _, err := session.Sync(ctx); err != nil {
		return err
	}

	// 6. Start the session watcher.
	watcher := application.NewWatcher(store, session, coordinator, application.WatcherConfig{
		CheckInterval:  cfg.CheckInterval,
		TamperInterval: cfg.TamperInterval,
		RefreshBuffer:  cfg.RefreshBuffer,
	}, logger, m)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		if err := watcher.Start(ctx); err != nil {
			slog.Error("session watcher stopped", "error", err)
		}
	}()

	// 7. Optional gRPC channel sharing the session.
	if cfg.GRPCTarget != "" {
		conn, err := dialGRPC(cfg, pipeline, logger)
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()
		go checkGRPCHealth(ctx, conn)
	}

	// 8. HTTP surface.
	proxy, err := httphandler.NewAPIProxy(cfg.APIBaseURL, pipeline, logger)
	if err != nil {
		return err
	}
	tokens := application.NewTokenSource(store, coordinator, cfg.RefreshBuffer)
	apiHandler := httphandler.NewHandler(session, tokens, cfg.LoginPath, logger)
	handler := httphandler.NewServeMux(apiHandler, proxy, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("nestfind started",
		"listen_addr", cfg.ListenAddr,
		"authenticated", session.State().Authenticated,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	select {
	case <-watcherDone:
	case <-shutdownCtx.Done():
		slog.Warn("session watcher did not stop in time")
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func newSealer(rawKey string) (*seal.Sealer, error) {
	key, err := seal.ParseKey(rawKey)
	if err != nil {
		return nil, fmt.Errorf("NESTFIND_ENCRYPTION_KEY: %w", err)
	}
	if key == nil {
		return nil, nil
	}
	return seal.New(key)
}

// openStore returns the configured credential store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, sealer *seal.Sealer, logger *slog.Logger) (driven.CredentialStore, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb, err := redisadapter.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}
		return redisadapter.NewStore(rdb, cfg.RedisPrefix, sealer, logger), closeFn, nil

	case config.StoreMemory:
		slog.Warn("memory store selected, the session will not survive a restart")
		return memoryadapter.NewStore(logger), func() {}, nil

	default:
		// Dual reader/writer with WAL mode.
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		version, err := sqliteadapter.RunMigrations(db.Writer)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("database opened", "path", cfg.DBPath, "schema_version", version)
		closeFn := func() {
			if err := db.Close(); err != nil {
				slog.Error("error closing database", "error", err)
			}
		}
		return sqliteadapter.NewSessionRepo(db, sealer, cfg.ChangePollInterval, logger), closeFn, nil
	}
}

func dialGRPC(cfg *config.Config, pipeline *application.Pipeline, logger *slog.Logger) (*grpc.ClientConn, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.GRPCInsecure {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(cfg.GRPCTarget,
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(grpcauth.UnaryClientInterceptor(pipeline, logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial grpc %s: %w", cfg.GRPCTarget, err)
	}
	return conn, nil
}

// checkGRPCHealth checks the gRPC endpoint's health once at startup.
func checkGRPCHealth(ctx context.Context, conn *grpc.ClientConn) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		slog.Warn("grpc health check failed", "target", conn.Target(), "error", err)
		return
	}
	slog.Info("grpc endpoint reachable", "target", conn.Target(), "status", resp.GetStatus().String())
}
