package server

import (
	"net/http"

	"github.com/carlossalguero/authgate/internal/shared/health"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
)

// OpsHandler serves the health endpoints and, when m is set, /metrics.
func OpsHandler(checker *health.Checker, m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	healthHandler := checker.Handler()
	mux.Handle("/health", healthHandler)
	mux.Handle("/health/", healthHandler)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}
