package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(Config{})

	m.RecordLogin("password", true)
	m.RecordLogin("password", false)
	m.RecordLogin("github", true)
	m.RecordOAuthFlow("github", "MISSING_EMAIL")
	m.RecordTokenIssued("access")
	m.RecordTokenIssued("access")
	m.RecordAccountCreated("google")
	m.RecordCircuitBreakerTrip("github")
	m.SetCircuitBreakerState("github", 1)
	m.RecordStatesSwept(3)
	m.RecordStatesSwept(0)
	m.SetDBConnections("postgres", 2, 5)
	m.ObserveProviderFetch("github", 150*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginsTotal.WithLabelValues("password", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loginsTotal.WithLabelValues("github", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oauthFlowsTotal.WithLabelValues("github", "MISSING_EMAIL")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensIssuedTotal.WithLabelValues("access")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountsCreatedTotal.WithLabelValues("google")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerState.WithLabelValues("github")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.statesSwept))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordLogin("password", true)
		m.RecordOAuthFlow("github", OutcomeSuccess)
		m.RecordRateLimitDrop("/login")
		m.SetDBConnections("postgres", 1, 1)
	})

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.HTTPMiddleware(next))
}

func TestMetrics_HTTPMiddleware(t *testing.T) {
	m := New(Config{Namespace: "test"})

	r := chi.NewRouter()
	r.Use(m.HTTPMiddleware)
	r.Get("/login/{provider}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	for _, provider := range []string{"google", "github"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login/"+provider, nil))
		require.Equal(t, http.StatusFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/login/{provider}", "302")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_http_requests_total"))
}
