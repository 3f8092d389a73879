package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/omnisoin/ledger/internal/config"
	"github.com/omnisoin/ledger/internal/domain/provenance"
	"github.com/omnisoin/ledger/internal/platform/auth"
	"github.com/omnisoin/ledger/internal/platform/db"
	"github.com/omnisoin/ledger/internal/platform/middleware"
	"github.com/omnisoin/ledger/internal/platform/sqlitedb"
	"github.com/omnisoin/ledger/internal/platform/telemetry"
	"github.com/omnisoin/ledger/migrations"
)

// store is the ledger backend selected by STORAGE_DRIVER.
type store struct {
	authorship  provenance.AuthorshipRepository
	validations provenance.ValidationRepository
	probe       db.Probe
	// pool is set only for postgres; requests then run on a tenant connection.
	pool  *pgxpool.Pool
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, tp trace.TracerProvider, logger zerolog.Logger) (*store, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Tracer:   tp,
		})
		if err != nil {
			return nil, err
		}
		if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS); err != nil {
			pool.Close()
			return nil, fmt.Errorf("prepare default tenant: %w", err)
		}
		logger.Info().Str("tenant", cfg.DefaultTenant).Msg("connected to postgres")
		return &store{
			authorship:  provenance.NewAuthorshipRepoPG(pool),
			validations: provenance.NewValidationRepoPG(pool),
			probe:       db.PoolProbe(pool),
			pool:        pool,
			close:       pool.Close,
		}, nil

	case config.DriverSQLite:
		sqlDB, err := sqlitedb.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite ledger")
		return &store{
			authorship:  provenance.NewAuthorshipRepoSQLite(sqlDB),
			validations: provenance.NewValidationRepoSQLite(sqlDB),
			probe:       sqliteProbe(sqlDB),
			close:       func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("using in-memory ledger; history is lost on restart")
		return &store{
			authorship:  provenance.NewAuthorshipRepoMemory(),
			validations: provenance.NewValidationRepoMemory(),
			probe:       db.Probe{Driver: config.DriverMemory},
			close:       func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func sqliteProbe(sqlDB *sql.DB) db.Probe {
	return db.Probe{
		Driver: config.DriverSQLite,
		Ping:   sqlDB.PingContext,
		Stats:  func() interface{} { return sqlDB.Stats() },
	}
}

// ledgerOptions carries every ledger tunable from config.
func ledgerOptions(cfg *config.Config, logger zerolog.Logger, tp trace.TracerProvider) provenance.Options {
	retry := provenance.DefaultRetryPolicy
	retry.MaxTries = uint(cfg.ConflictRetries)
	l := logger.With().Str("component", "provenance").Logger()
	return provenance.Options{
		Retry:            retry,
		DefaultStatement: cfg.DefaultStatement,
		Logger:           &l,
		TracerProvider:   tp,
	}
}

func newService(st *store, opts provenance.Options, validatorRoles []string) *provenance.Service {
	validators := auth.NewRoleChecker(validatorRoles...)
	return provenance.NewService(
		provenance.NewAuthorshipLedger(st.authorship, opts),
		provenance.NewValidationLedger(st.validations, opts),
		provenance.ValidatorPolicyFunc(func(ctx context.Context, v provenance.Actor) bool {
			return validators.Allowed(ctx, v.UserID)
		}),
	)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// newEcho builds the HTTP server around svc.
func newEcho(cfg *config.Config, logger zerolog.Logger, st *store, svc *provenance.Service, tp trace.TracerProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(tp))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", "traceparent"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token act as an admin dev user")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.probe))

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	limiter := middleware.RateLimit(rateLimitCfg)
	apiV1.Use(limiter)
	fhirGroup.Use(limiter)

	// Tenant middleware
	if st.pool != nil {
		tenant := db.TenantMiddleware(st.pool, cfg.DefaultTenant)
		apiV1.Use(tenant)
		fhirGroup.Use(tenant)
	}

	provenance.NewHandler(svc).RegisterRoutes(apiV1, fhirGroup)
	return e
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "ledger-server",
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
	})
	if err != nil {
		return err
	}
	if tp.Enabled() {
		logger.Info().Str("endpoint", cfg.OTelEndpoint).Msg("exporting traces")
	}

	st, err := openStore(ctx, cfg, tp, logger)
	if err != nil {
		return err
	}
	defer st.close()

	svc := newService(st, ledgerOptions(cfg, logger, tp), cfg.ValidatorRoles)
	e := newEcho(cfg, logger, st, svc, tp)

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("driver", cfg.StorageDriver).Msg("starting ledger server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("trace flush error")
	}
	return nil
}
