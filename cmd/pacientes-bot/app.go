package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/basco1979/pacientes-bot/internal/config"
	"github.com/basco1979/pacientes-bot/internal/domain/record"
	"github.com/basco1979/pacientes-bot/internal/platform/auth"
	"github.com/basco1979/pacientes-bot/internal/platform/db"
	"github.com/basco1979/pacientes-bot/internal/platform/middleware"
	"github.com/basco1979/pacientes-bot/internal/platform/reporting"
	"github.com/basco1979/pacientes-bot/internal/platform/telemetry"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// store is the opened record store with its health hooks.
type store struct {
	svc   *record.Service
	stats db.StatsFunc
	pool  *pgxpool.Pool
	sqlDB *sql.DB
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		s.sqlDB.Close()
	}
}

// openStore connects the configured backend. SQLite gets its schema created
// on open; PostgreSQL is migrated with `migrate up`.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var (
		st       = &store{}
		records  record.Repository
		patients record.PatientRepository
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBTimeout)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
		}
		st.pool, st.stats = pool, db.PGStats(pool)
		records, patients = record.NewRecordRepoPG(pool), record.NewPatientRepoPG(pool)
		logger.Info().Str("driver", config.StorePostgres).Msg("connected to database")

	case config.StoreSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath, cfg.SQLiteBusyTimeoutMS)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", record.ErrStoreUnavailable, err)
		}
		if err := record.EnsureSQLiteSchema(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		st.sqlDB, st.stats = sqlDB, db.SQLStats(sqlDB)
		records, patients = record.NewRecordRepoSQLite(sqlDB), record.NewPatientRepoSQLite(sqlDB)
		logger.Info().Str("driver", config.StoreSQLite).Str("path", cfg.SQLitePath).Msg("opened database")

	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	st.svc = record.NewService(records, record.NewPatientIndex(patients, cfg.PatientCacheTTL),
		record.WithTimeout(cfg.DBTimeout),
		record.WithLocation(loc),
	)
	return st, nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AdminIssuer,
		SigningKey: []byte(cfg.AdminSigningKey),
	}
}

// newAdminServer builds the back-office HTTP API. Development without a
// signing key runs unauthenticated.
func newAdminServer(cfg *config.Config, st *store, engine *reporting.Engine, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())

	if cfg.IsDev() && cfg.AdminSigningKey == "" {
		logger.Warn().Msg("admin API running without authentication (ENV=development, no ADMIN_SIGNING_KEY)")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.svc, st.stats))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	record.NewHandler(st.svc).RegisterRoutes(api)
	reporting.NewHandler(engine).RegisterRoutes(api)

	return e
}

// shutdownTimeout bounds the admin server drain on exit.
const shutdownTimeout = 10 * time.Second
