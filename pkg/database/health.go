package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the database section of the health endpoint: a ping
// verdict plus a snapshot of the connection pool.
type HealthStatus struct {
	Status     string        `json:"status"`
	PingMillis int64         `json:"ping_ms"`
	Pool       *PoolSnapshot `json:"pool,omitempty"`
}

// PoolSnapshot mirrors sql.DBStats for the fields operators watch.
type PoolSnapshot struct {
	Open           int   `json:"open"`
	InUse          int   `json:"in_use"`
	Idle           int   `json:"idle"`
	MaxOpen        int   `json:"max_open"`
	WaitCount      int64 `json:"wait_count"`
	WaitTimeMillis int64 `json:"wait_time_ms"`
}

func (s *PoolSnapshot) fill(stats sql.DBStats) {
	s.Open = stats.OpenConnections
	s.InUse = stats.InUse
	s.Idle = stats.Idle
	s.MaxOpen = stats.MaxOpenConnections
	s.WaitCount = stats.WaitCount
	s.WaitTimeMillis = stats.WaitDuration.Milliseconds()
}

// Health pings the database and reports pool statistics. On ping failure
// the returned status is still populated so callers can serialize it
// alongside the error.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	err := db.PingContext(ctx)
	status := &HealthStatus{PingMillis: time.Since(start).Milliseconds()}
	if err != nil {
		status.Status = "unhealthy"
		return status, err
	}
	status.Status = "healthy"
	status.Pool = &PoolSnapshot{}
	status.Pool.fill(db.Stats())
	return status, nil
}
