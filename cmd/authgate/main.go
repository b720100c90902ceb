// Command authgate serves the authentication portal API: session state,
// first and second factor submission, identity validated password reset and
// device registration, forward-auth verification and Prometheus metrics.
//
// Run:
//
//	authgate -config configuration.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/credentials"
	"github.com/MrEthical07/authgate/credentials/filestore"
	"github.com/MrEthical07/authgate/credentials/ldapstore"
	"github.com/MrEthical07/authgate/internal/sqlitedb"
	"github.com/MrEthical07/authgate/password"
	"github.com/MrEthical07/authgate/secondfactor"
	"github.com/MrEthical07/authgate/tracelog"
)

func main() {
	configPath := flag.String("config", "configuration.toml", "path to the TOML configuration")
	flag.Parse()

	fc, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "authgate:", err)
		os.Exit(2)
	}

	logger, err := newLogger(fc.Log.Level, fc.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "authgate:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, fc, logger); err != nil {
		logger.Error("authgate stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		l, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(l)
	}
	return cfg.Build()
}

func run(ctx context.Context, fc fileConfig, logger *zap.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fc.Redis.Address,
		Username: fc.Redis.Username,
		Password: fc.Redis.Password,
		DB:       fc.Redis.DB,
	})
	defer rdb.Close()

	engine, cleanup, err := buildEngine(ctx, fc, rdb, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	engine.StartTracePruner(ctx)
	for _, finding := range engine.SecurityReport().Warnings {
		logger.Warn("insecure setting", zap.String("finding", finding))
	}

	srv := &http.Server{
		Addr:              fc.Server.Address,
		Handler:           newHandler(fc, engine, logger),
		ReadHeaderTimeout: fc.Server.ReadTimeout,
		ReadTimeout:       fc.Server.ReadTimeout,
		WriteTimeout:      fc.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", fc.Server.Address))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), fc.Server.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newHandler(fc fileConfig, engine *authgate.Engine, logger *zap.Logger) http.Handler {
	metricsPath := ""
	if fc.Metrics.Enabled {
		metricsPath = fc.Metrics.Path
	}
	return newRouter(&server{
		engine:       engine,
		logger:       logger.Named("http"),
		cookieSecure: fc.Server.CookieSecure,
		cookieDomain: fc.Server.CookieDomain,
	}, metricsPath)
}

// buildEngine opens the stores named by fc and assembles the engine. cleanup
// closes the engine and then the stores.
func buildEngine(ctx context.Context, fc fileConfig, rdb redis.UniversalClient, logger *zap.Logger) (*authgate.Engine, func(), error) {
	cfg, err := fc.engineConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := sqlitedb.Open(ctx, fc.Storage.SQLitePath)
	if err != nil {
		return nil, nil, err
	}

	sf, err := secondfactor.NewSQLite(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	creds, err := openCredentials(fc, cfg.Password.Hashing, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	fail := func(err error) (*authgate.Engine, func(), error) {
		_ = creds.Close()
		db.Close()
		return nil, nil, err
	}

	notifier, err := newFileNotifier(fc.Notifier.Filesystem.Path, logger.Named("notifier"))
	if err != nil {
		return fail(err)
	}

	b := authgate.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(creds).
		WithSecondFactorStore(sf).
		WithNotifier(notifier).
		WithLogger(logger.Named("engine"))

	if fc.Storage.TraceLog == "sqlite" {
		traces, err := tracelog.NewSQLite(ctx, db)
		if err != nil {
			return fail(err)
		}
		b = b.WithTraceLog(traces)
	}
	if cfg.Audit.Enabled {
		b = b.WithAuditSink(authgate.NewZapSink(logger.Named("audit")))
	}

	engine, err := b.Build()
	if err != nil {
		return fail(fmt.Errorf("build engine: %w", err))
	}

	cleanup := func() {
		engine.Close()
		_ = creds.Close()
		db.Close()
	}
	return engine, cleanup, nil
}

func openCredentials(fc fileConfig, hashing password.Config, logger *zap.Logger) (credentials.Store, error) {
	switch fc.AuthenticationBackend.Type {
	case "ldap":
		return ldapstore.New(fc.ldapConfig(), ldapstore.WithLogger(logger.Named("ldap")))
	default:
		hasher, err := password.New(hashing)
		if err != nil {
			return nil, fmt.Errorf("password hashing: %w", err)
		}
		return filestore.Open(fc.AuthenticationBackend.File.Path,
			filestore.WithLogger(logger.Named("users")),
			filestore.WithHasher(hasher),
			filestore.WithWatch(fc.AuthenticationBackend.File.Watch),
		)
	}
}
