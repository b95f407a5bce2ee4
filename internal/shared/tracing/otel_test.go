package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	return recorder
}

func TestStartSpanAndEnd(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "oauth.complete", attribute.String("provider", "github"))
	assert.NotEmpty(t, TraceIDFromContext(ctx))
	End(span, errors.New("exchange failed"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "oauth.complete", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("provider", "github"))
}

func TestHTTPMiddleware(t *testing.T) {
	recorder := installRecorder(t)

	var traceID string
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = TraceIDFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/protected", nil))

	assert.NotEmpty(t, traceID)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /protected", spans[0].Name())
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
