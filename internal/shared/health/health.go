// Package health aggregates dependency checks for the ops endpoints and the
// gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Check is a single component probe.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

// Response represents the overall health response.
type Response struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Checker runs registered checks concurrently.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	timeout time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithVersion sets the reported build version.
func WithVersion(version string) Option {
	return func(c *Checker) {
		c.version = version
	}
}

// WithTimeout bounds each individual check.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		c.timeout = timeout
	}
}

// NewChecker creates a new health checker.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a health check for a component.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Names returns the registered component names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type result struct {
	name   string
	health ComponentHealth
}

// Check runs all health checks and returns the overall health.
func (c *Checker) Check(ctx context.Context) Response {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	response := Response{
		Status:     StatusUp,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Components: make(map[string]ComponentHealth, len(checks)),
	}

	results := make(chan result, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			health := check(checkCtx)
			health.LatencyMS = time.Since(start).Milliseconds()
			results <- result{name: name, health: health}
		}(name, check)
	}
	wg.Wait()
	close(results)

	for r := range results {
		response.Components[r.name] = r.health
		switch r.health.Status {
		case StatusDown:
			response.Status = StatusDown
		case StatusDegraded:
			if response.Status != StatusDown {
				response.Status = StatusDegraded
			}
		}
	}

	return response
}

// Handler serves /health, /health/live and /health/ready.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		c.writeCheck(w, r, false)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		c.writeCheck(w, r, true)
	})
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC(),
			Version:   c.version,
		})
	})
	return mux
}

func (c *Checker) writeCheck(w http.ResponseWriter, r *http.Request, detailed bool) {
	response := c.Check(r.Context())

	status := http.StatusOK
	if response.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	if !detailed {
		response.Components = nil
	}
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck reports a required dependency as down when ping fails.
func PingCheck(ping func(context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{
				Status:  StatusDown,
				Message: "connection failed",
				Details: map[string]any{"error": err.Error()},
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// OptionalPingCheck reports an optional dependency as degraded when ping fails.
func OptionalPingCheck(ping func(context.Context) error) Check {
	required := PingCheck(ping)
	return func(ctx context.Context) ComponentHealth {
		h := required(ctx)
		if h.Status == StatusDown {
			h.Status = StatusDegraded
		}
		return h
	}
}

// ProvidersCheck reports degraded while any provider circuit is not closed.
// states maps provider name to breaker state name.
func ProvidersCheck(states func() map[string]string) Check {
	return func(context.Context) ComponentHealth {
		tripped := make(map[string]any)
		for provider, state := range states() {
			if state != "closed" {
				tripped[provider] = state
			}
		}
		if len(tripped) > 0 {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "provider circuits open",
				Details: tripped,
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// MemoryCheck reports degraded when heap allocation exceeds maxBytes.
func MemoryCheck(maxBytes uint64) Check {
	return func(context.Context) ComponentHealth {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		details := map[string]any{"allocated_bytes": m.Alloc}
		if m.Alloc > maxBytes {
			details["max_bytes"] = maxBytes
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "high memory usage",
				Details: details,
			}
		}
		return ComponentHealth{Status: StatusUp, Details: details}
	}
}
