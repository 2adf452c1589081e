package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is anything that can check store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// StatsFunc snapshots pool statistics for the health endpoint.
type StatsFunc func() *PoolStats

// PGStats reports pgxpool statistics.
func PGStats(pool *pgxpool.Pool) StatsFunc {
	return func() *PoolStats {
		stat := pool.Stat()
		return &PoolStats{
			Driver:          "postgres",
			TotalConns:      stat.TotalConns(),
			IdleConns:       stat.IdleConns(),
			AcquiredConns:   stat.AcquiredConns(),
			MaxConns:        stat.MaxConns(),
			AcquireCount:    stat.AcquireCount(),
			AcquireDuration: stat.AcquireDuration().String(),
			Healthy:         stat.TotalConns() > 0,
		}
	}
}

// SQLStats reports database/sql statistics, used for SQLite.
func SQLStats(db *sql.DB) StatsFunc {
	return func() *PoolStats {
		stat := db.Stats()
		return &PoolStats{
			Driver:          "sqlite",
			TotalConns:      int32(stat.OpenConnections),
			IdleConns:       int32(stat.Idle),
			AcquiredConns:   int32(stat.InUse),
			MaxConns:        int32(stat.MaxOpenConnections),
			AcquireCount:    stat.WaitCount,
			AcquireDuration: stat.WaitDuration.String(),
			Healthy:         true,
		}
	}
}

// HealthHandler returns a handler for the database health check endpoint.
// stats may be nil.
func HealthHandler(p Pinger, stats StatsFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)
		resp := map[string]interface{}{"status": "healthy"}
		var snapshot *PoolStats
		if stats != nil {
			snapshot = stats()
			resp["pool"] = snapshot
		}

		if err != nil {
			if snapshot != nil {
				snapshot.Healthy = false
			}
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}

		return c.JSON(http.StatusOK, resp)
	}
}
