package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/authgate/internal/shared/health"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
)

func TestScheduler_AddJob(t *testing.T) {
	s := New(logger.Nop())

	require.NoError(t, s.AddJob("b", "@every 1m", func(context.Context) error { return nil }))
	require.NoError(t, s.AddJob("a", "*/5 * * * *", func(context.Context) error { return nil }))
	require.NoError(t, s.AddJob("disabled", "", func(context.Context) error { return nil }))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "b", jobs[1].Name)

	err := s.AddJob("bad", "not a schedule", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestScheduler_ReplaceAndRemove(t *testing.T) {
	s := New(logger.Nop())

	require.NoError(t, s.AddJob("job", "@every 1m", func(context.Context) error { return nil }))
	require.NoError(t, s.AddJob("job", "@every 2m", func(context.Context) error { return nil }))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "@every 2m", jobs[0].Schedule)

	s.RemoveJob("job")
	assert.Empty(t, s.Jobs())
	_, ok := s.NextRun("job")
	assert.False(t, ok)

	require.NoError(t, s.AddJob("job", "@every 1m", func(context.Context) error { return nil }))
	require.NoError(t, s.AddJob("job", "", func(context.Context) error { return nil }))
	assert.Empty(t, s.Jobs())
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(logger.Nop(), WithJobTimeout(time.Second))

	var calls atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.AddJob("ok", "@every 1h", func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		calls.Add(1)
		return nil
	}))
	require.NoError(t, s.AddJob("fails", "@every 1h", func(context.Context) error { return boom }))

	require.NoError(t, s.RunNow("ok"))
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, s.RunNow("fails"), boom)
	assert.Error(t, s.RunNow("missing"))
}

func TestScheduler_RunNowLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	s := New(logger.New(logger.Config{Level: "info", Format: "json", Output: &buf, Environment: "test"}))
	require.NoError(t, s.AddJob(JobHealthSync, "@every 1h", func(context.Context) error { return ErrUnhealthy }))

	require.ErrorIs(t, s.RunNow(JobHealthSync), ErrUnhealthy)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "job failed", entry["message"])
	assert.Equal(t, JobHealthSync, entry["job"])
	assert.Contains(t, entry["error"], ErrUnhealthy.Error())
}

func TestScheduler_StartRunsJobs(t *testing.T) {
	s := New(logger.Nop())

	var calls atomic.Int32
	require.NoError(t, s.AddJob("tick", "@every 1s", func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	s.Start()
	defer s.Stop()

	next, ok := s.NextRun("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_StopCancelsJobs(t *testing.T) {
	s := New(logger.Nop(), WithJobTimeout(0))

	var once sync.Once
	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, s.AddJob("long", "@every 1s", func(ctx context.Context) error {
		first := false
		once.Do(func() {
			first = true
			close(started)
		})
		<-ctx.Done()
		if first {
			done <- ctx.Err()
		}
		return ctx.Err()
	}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()

	assert.ErrorIs(t, <-done, context.Canceled)
}

type fakeSweeper struct{ n int }

func (f *fakeSweeper) Sweep() int { return f.n }

type fakePruner struct{ idle time.Duration }

func (f *fakePruner) Prune(maxIdle time.Duration) int {
	f.idle = maxIdle
	return 1
}

type fakeConns struct{ active, idle int }

func (f fakeConns) ConnStats() (int, int) { return f.active, f.idle }

func TestJobs(t *testing.T) {
	m := metrics.New(metrics.Config{Namespace: "authgate"})
	ctx := context.Background()

	require.NoError(t, SweepStates(&fakeSweeper{n: 3}, m)(ctx))
	count, err := testutil.GatherAndCount(m.Registry(), "authgate_oauth_states_swept_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pruner := &fakePruner{}
	require.NoError(t, PruneLimiter(pruner, 5*time.Minute)(ctx))
	assert.Equal(t, 5*time.Minute, pruner.idle)

	require.NoError(t, RecordPoolStats("sqlite", fakeConns{active: 1, idle: 2}, m)(ctx))
	count, err = testutil.GatherAndCount(m.Registry(), "authgate_db_connections_idle")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSyncHealthJob(t *testing.T) {
	up := SyncHealth(func(context.Context) health.Status { return health.StatusDegraded })
	assert.NoError(t, up(context.Background()))

	down := SyncHealth(func(context.Context) health.Status { return health.StatusDown })
	assert.ErrorIs(t, down(context.Background()), ErrUnhealthy)
}
