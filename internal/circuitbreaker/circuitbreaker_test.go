package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func newTestBreaker(cfg Config) (*Breaker, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Now = clock.Now
	return New("github", cfg), clock
}

func trip(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), fail), errUpstream)
	}
}

func TestBreaker_StateTransitions(t *testing.T) {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute, MaxProbes: 1}
	ctx := context.Background()

	t.Run("closed to open after failures", func(t *testing.T) {
		b, _ := newTestBreaker(cfg)
		assert.Equal(t, StateClosed, b.State())

		trip(t, b, 3)
		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b, _ := newTestBreaker(cfg)

		trip(t, b, 2)
		require.NoError(t, b.Execute(ctx, succeed))
		trip(t, b, 2)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("open to half-open after timeout", func(t *testing.T) {
		b, clock := newTestBreaker(cfg)
		trip(t, b, 3)

		clock.Advance(time.Minute)
		assert.Equal(t, StateHalfOpen, b.State())
	})

	t.Run("half-open to closed after successes", func(t *testing.T) {
		b, clock := newTestBreaker(cfg)
		trip(t, b, 3)
		clock.Advance(time.Minute)

		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, b.State())
		require.NoError(t, b.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("half-open to open on failure", func(t *testing.T) {
		b, clock := newTestBreaker(cfg)
		trip(t, b, 3)
		clock.Advance(time.Minute)

		assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreaker_LimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second, MaxProbes: 1})
	ctx := context.Background()

	trip(t, b, 1)
	clock.Advance(time.Second)

	inFlight := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = b.Execute(ctx, func(context.Context) error {
			close(inFlight)
			<-done
			return nil
		})
	}()
	<-inFlight

	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)
	close(done)
}

func TestBreaker_IsFailure(t *testing.T) {
	errClient := errors.New("bad code")
	b, _ := newTestBreaker(Config{
		FailureThreshold: 2,
		IsFailure:        func(err error) bool { return !errors.Is(err, errClient) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return errClient })
		assert.ErrorIs(t, err, errClient)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	type change struct {
		name     string
		from, to State
	}
	var changes []change

	b, clock := newTestBreaker(Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		OnStateChange: func(name string, from, to State) {
			changes = append(changes, change{name, from, to})
		},
	})

	trip(t, b, 2)
	clock.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))

	assert.Equal(t, []change{
		{"github", StateClosed, StateOpen},
		{"github", StateOpen, StateHalfOpen},
		{"github", StateHalfOpen, StateClosed},
	}, changes)
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New("test", Config{FailureThreshold: 100, SuccessThreshold: 10, Timeout: time.Second, MaxProbes: 10})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(context.Context) error {
				if i%2 == 0 {
					return nil
				}
				return errUpstream
			})
		}(i)
	}
	wg.Wait()

	state := b.State()
	assert.True(t, state == StateClosed || state == StateOpen || state == StateHalfOpen)
}

func TestGroup(t *testing.T) {
	group := NewGroup(DefaultConfig())

	t.Run("get returns same breaker", func(t *testing.T) {
		first := group.Get("google")
		assert.Same(t, first, group.Get("google"))
		assert.Equal(t, "google", first.Name())
	})

	t.Run("states", func(t *testing.T) {
		group.Get("github")
		states := group.States()
		assert.Equal(t, map[string]State{"github": StateClosed, "google": StateClosed}, states)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_CallFromClosedIsNotAProbe(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxProbes: 1})
	ctx := context.Background()

	block := func(started, release chan struct{}) func(context.Context) error {
		return func(context.Context) error {
			close(started)
			<-release
			return nil
		}
	}

	oldStarted, oldRelease, oldDone := make(chan struct{}), make(chan struct{}), make(chan error, 1)
	go func() { oldDone <- b.Execute(ctx, block(oldStarted, oldRelease)) }()
	<-oldStarted

	trip(t, b, 1)
	clock.Advance(time.Minute)

	trialStarted, trialRelease, trialDone := make(chan struct{}), make(chan struct{}), make(chan error, 1)
	go func() { trialDone <- b.Execute(ctx, block(trialStarted, trialRelease)) }()
	<-trialStarted

	close(oldRelease)
	require.NoError(t, <-oldDone)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrCircuitOpen)

	close(trialRelease)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, b.State())
}
