// Package circuitbreaker stops calling an identity provider that keeps failing
// and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets calls through.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of probe successes that closes it again.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxProbes caps concurrent calls while half-open.
	MaxProbes int `mapstructure:"max_probes"`

	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every non-nil error.
	IsFailure func(error) bool `mapstructure:"-"`
	// OnStateChange is called synchronously, outside the breaker lock.
	OnStateChange func(name string, from, to State) `mapstructure:"-"`
	// Now is the clock; nil means time.Now.
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns a circuit breaker config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxProbes:        1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = d.MaxProbes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker guards calls to a single upstream.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	probes   int
	probeOK  int
	openedAt time.Time
	// generation changes on every transition so stale probes are ignored.
	generation uint64
}

// ticket records how a call was admitted.
type ticket struct {
	probe      bool
	generation uint64
}

// New creates a Breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, accounting for an elapsed cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) cooledDown() bool {
	return b.cfg.Now().Sub(b.openedAt) >= b.cfg.Timeout
}

// Execute runs fn when the circuit allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	t, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)
	b.release(t, err)
	return err
}

// acquire admits a call and reports whether it holds a half-open probe slot.
func (b *Breaker) acquire() (ticket, error) {
	b.mu.Lock()

	var transition func()
	var t ticket
	switch b.state {
	case StateOpen:
		if !b.cooledDown() {
			b.mu.Unlock()
			return t, ErrCircuitOpen
		}
		transition = b.moveTo(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			b.mu.Unlock()
			notify(transition)
			return t, ErrCircuitOpen
		}
		b.probes++
		t.probe = true
	}
	t.generation = b.generation

	b.mu.Unlock()
	notify(transition)
	return t, nil
}

// release records the outcome. Only calls that took a probe slot while
// half-open can close or reopen a half-open circuit.
func (b *Breaker) release(t ticket, err error) {
	failed := err != nil
	if failed && b.cfg.IsFailure != nil {
		failed = b.cfg.IsFailure(err)
	}

	b.mu.Lock()

	var transition func()
	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			transition = b.moveTo(StateOpen)
		}

	case StateHalfOpen:
		if !t.probe || t.generation != b.generation {
			break
		}
		b.probes--
		if failed {
			transition = b.moveTo(StateOpen)
			break
		}
		b.probeOK++
		if b.probeOK >= b.cfg.SuccessThreshold {
			transition = b.moveTo(StateClosed)
		}
	}

	b.mu.Unlock()
	notify(transition)
}

// moveTo changes state with the lock held and returns the deferred callback.
func (b *Breaker) moveTo(next State) func() {
	prev := b.state
	b.state = next
	b.generation++
	b.failures = 0
	b.probeOK = 0
	if next != StateHalfOpen {
		b.probes = 0
	}
	if next == StateOpen {
		b.openedAt = b.cfg.Now()
	}

	if b.cfg.OnStateChange == nil || prev == next {
		return nil
	}
	name, cb := b.name, b.cfg.OnStateChange
	return func() { cb(name, prev, next) }
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

// Group lazily creates one Breaker per name with shared configuration.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty Group.
func NewGroup(cfg Config) *Group {
	return &Group{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := New(name, g.cfg)
	g.breakers[name] = b
	return b
}

// States returns the current state of every breaker, keyed by name.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	names := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		names = append(names, name)
	}
	g.mu.Unlock()

	sort.Strings(names)
	states := make(map[string]State, len(names))
	for _, name := range names {
		states[name] = g.Get(name).State()
	}
	return states
}
