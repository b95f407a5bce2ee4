// Package metrics provides the Prometheus metrics exported by authgate.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels.
const (
	LabelMethod   = "method"
	LabelPath     = "path"
	LabelStatus   = "status"
	LabelProvider = "provider"
	LabelOutcome  = "outcome"
	LabelType     = "type"
	LabelStore    = "store"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics contains all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	grpcRequestsTotal *prometheus.CounterVec

	loginsTotal           *prometheus.CounterVec
	oauthFlowsTotal       *prometheus.CounterVec
	providerFetchDuration *prometheus.HistogramVec
	tokensIssuedTotal     *prometheus.CounterVec
	accountsCreatedTotal  *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	rateLimitDropped *prometheus.CounterVec
	statesSwept      prometheus.Counter

	dbConnectionsActive *prometheus.GaugeVec
	dbConnectionsIdle   *prometheus.GaugeVec
}

// Config holds metrics configuration.
type Config struct {
	Namespace string `mapstructure:"namespace"`
}

// New creates a Metrics instance on its own registry.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "authgate"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	m := &Metrics{registry: registry}

	m.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{LabelMethod, LabelPath, LabelStatus})

	m.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{LabelMethod, LabelPath})

	m.httpRequestsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "http_requests_in_flight",
		Help:      "Current number of HTTP requests being processed.",
	})

	m.grpcRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "grpc_requests_total",
		Help:      "Total number of gRPC requests.",
	}, []string{LabelMethod, LabelStatus})

	m.loginsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "logins_total",
		Help:      "Login attempts by method (password or provider name) and outcome.",
	}, []string{LabelProvider, LabelOutcome})

	m.oauthFlowsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "oauth_flows_total",
		Help:      "Completed OAuth callbacks by provider and error code.",
	}, []string{LabelProvider, LabelOutcome})

	m.providerFetchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "provider_fetch_duration_seconds",
		Help:      "Code exchange plus profile fetch latency per provider.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{LabelProvider})

	m.tokensIssuedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "tokens_issued_total",
		Help:      "Tokens minted by type.",
	}, []string{LabelType})

	m.accountsCreatedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "accounts_created_total",
		Help:      "Accounts created on first sight, by provider.",
	}, []string{LabelProvider})

	m.circuitBreakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "circuit_breaker_state",
		Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{LabelProvider})

	m.circuitBreakerTrips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of provider circuit breaker trips.",
	}, []string{LabelProvider})

	m.rateLimitDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "rate_limit_dropped_total",
		Help:      "Requests rejected by the rate limiter.",
	}, []string{LabelPath})

	m.statesSwept = factory.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "oauth_states_swept_total",
		Help:      "Expired OAuth states removed from the in-memory store.",
	})

	m.dbConnectionsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "db_connections_active",
		Help:      "Number of acquired database connections.",
	}, []string{LabelStore})

	m.dbConnectionsIdle = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections.",
	}, []string{LabelStore})

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string) {
	if m == nil {
		return
	}
	m.grpcRequestsTotal.WithLabelValues(method, status).Inc()
}

// RecordLogin records a login attempt. method is "password" or a provider name.
func (m *Metrics) RecordLogin(method string, success bool) {
	if m == nil {
		return
	}
	m.loginsTotal.WithLabelValues(method, outcome(success)).Inc()
}

// RecordOAuthFlow records a finished OAuth callback. outcome is "success" or an
// error code.
func (m *Metrics) RecordOAuthFlow(provider, outcome string) {
	if m == nil {
		return
	}
	m.oauthFlowsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveProviderFetch records how long a provider round trip took.
func (m *Metrics) ObserveProviderFetch(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerFetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTokenIssued counts a minted token.
func (m *Metrics) RecordTokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.tokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

// RecordAccountCreated counts an account created through provider login.
func (m *Metrics) RecordAccountCreated(provider string) {
	if m == nil {
		return
	}
	m.accountsCreatedTotal.WithLabelValues(provider).Inc()
}

// SetCircuitBreakerState sets a provider breaker state gauge.
func (m *Metrics) SetCircuitBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// RecordCircuitBreakerTrip counts a breaker opening.
func (m *Metrics) RecordCircuitBreakerTrip(provider string) {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.WithLabelValues(provider).Inc()
}

// RecordRateLimitDrop records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitDrop(path string) {
	if m == nil {
		return
	}
	m.rateLimitDropped.WithLabelValues(path).Inc()
}

// RecordStatesSwept adds n swept OAuth states.
func (m *Metrics) RecordStatesSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.statesSwept.Add(float64(n))
}

// SetDBConnections sets the database connection counts.
func (m *Metrics) SetDBConnections(store string, active, idle int) {
	if m == nil {
		return
	}
	m.dbConnectionsActive.WithLabelValues(store).Set(float64(active))
	m.dbConnectionsIdle.WithLabelValues(store).Set(float64(idle))
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// HTTPMiddleware records request metrics labelled by chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

// routePattern keeps label cardinality bounded by using the matched route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
