package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", ServiceName: "authgate", Environment: "test", Output: &buf})

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, AccountIDKey, "acct-1")
	log.InfoContext(ctx, "hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "authgate", entry["service"])
	assert.Equal(t, "test", entry["environment"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "acct-1", entry["account_id"])
	assert.Contains(t, entry, "timestamp")
	assert.NotContains(t, entry, "trace_id")
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Environment: "test", Output: &buf})

	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestLogger_LogHTTPRequest(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Environment: "test", Output: &buf})

	log.LogHTTPRequest(context.Background(), http.MethodPost, "/login", http.StatusUnauthorized, 5*time.Millisecond, 42)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "/login", entry["path"])
	assert.EqualValues(t, http.StatusUnauthorized, entry["status"])
	assert.EqualValues(t, 42, entry["bytes_written"])
}

func TestLogger_WithProvider(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Environment: "test", Output: &buf}).WithComponent("oauth").WithProvider("github")

	log.Info("exchange")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "oauth", entry["component"])
	assert.Equal(t, "github", entry["provider"])
}
