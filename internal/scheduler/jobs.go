package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/carlossalguero/authgate/internal/shared/health"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
)

// Job names.
const (
	JobStateSweep   = "oauth-state-sweep"
	JobLimiterPrune = "rate-limiter-prune"
	JobPoolStats    = "db-pool-stats"
	JobHealthSync   = "grpc-health-sync"
)

// ErrUnhealthy is returned by the health sync job while a required
// dependency is down.
var ErrUnhealthy = errors.New("gateway unhealthy")

// StateSweeper drops expired OAuth states.
type StateSweeper interface {
	Sweep() int
}

// LimiterPruner forgets idle rate-limit buckets.
type LimiterPruner interface {
	Prune(maxIdle time.Duration) int
}

// ConnStatter reports database connection counts.
type ConnStatter interface {
	ConnStats() (active, idle int)
}

// SweepStates removes expired in-memory OAuth states.
func SweepStates(store StateSweeper, m *metrics.Metrics) JobFunc {
	return func(context.Context) error {
		m.RecordStatesSwept(store.Sweep())
		return nil
	}
}

// PruneLimiter drops rate-limit buckets idle for longer than maxIdle.
func PruneLimiter(limiter LimiterPruner, maxIdle time.Duration) JobFunc {
	return func(context.Context) error {
		limiter.Prune(maxIdle)
		return nil
	}
}

// RecordPoolStats publishes connection counts for the named store.
func RecordPoolStats(store string, db ConnStatter, m *metrics.Metrics) JobFunc {
	return func(context.Context) error {
		active, idle := db.ConnStats()
		m.SetDBConnections(store, active, idle)
		return nil
	}
}

// SyncHealth runs sync, which publishes aggregate health somewhere such as
// the gRPC health service, and fails the run while the gateway is down.
func SyncHealth(sync func(context.Context) health.Status) JobFunc {
	return func(ctx context.Context) error {
		if status := sync(ctx); status == health.StatusDown {
			return ErrUnhealthy
		}
		return nil
	}
}
