package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the health endpoint's view of the database: reachability,
// ping latency, and pool pressure.
type PoolHealth struct {
	Healthy      bool          `json:"healthy"`
	Latency      time.Duration `json:"latency_ms"`
	Open         int           `json:"open_connections"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration_ms"`
	MaxOpen      int           `json:"max_open_conns"`
}

// Health pings the database and samples the pool counters. The error is the
// ping failure, returned alongside the unhealthy snapshot so callers can
// report both.
func Health(ctx context.Context, db *sql.DB) (PoolHealth, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return PoolHealth{Latency: time.Since(start)}, err
	}

	stats := db.Stats()
	return PoolHealth{
		Healthy:      true,
		Latency:      time.Since(start),
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitDuration: stats.WaitDuration,
		MaxOpen:      stats.MaxOpenConnections,
	}, nil
}
