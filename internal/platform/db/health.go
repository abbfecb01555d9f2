package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool snapshot reported by the health endpoint.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// Pinger is the part of a pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

type statter interface {
	Stat() *pgxpool.Stat
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status   string     `json:"status"`
	Database string     `json:"database"`
	Error    string     `json:"error,omitempty"`
	Pool     *PoolStats `json:"pool,omitempty"`
}

// Check pings the database and, when available, snapshots pool usage.
func Check(ctx context.Context, db Pinger) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	report := HealthReport{Status: "healthy", Database: "up"}
	if s, ok := db.(statter); ok {
		stat := s.Stat()
		report.Pool = &PoolStats{
			TotalConns:    stat.TotalConns(),
			IdleConns:     stat.IdleConns(),
			AcquiredConns: stat.AcquiredConns(),
			MaxConns:      stat.MaxConns(),
		}
	}
	if err := db.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Database = "down"
		report.Error = err.Error()
	}
	return report
}

// HealthHandler serves the database health check.
func HealthHandler(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := Check(c.Request().Context(), db)
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
