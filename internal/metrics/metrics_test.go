package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/json-socket-chat/internal/metrics"
)

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.ConnectionOpened("tcp")
	m.ConnectionOpened("ws")
	m.ConnectionClosed()
	m.SetOnline(3)
	m.Dispatched("text", 5*time.Millisecond)
	m.Dispatched("text", time.Millisecond)
	m.Error("RATE_LIMITED")
	m.FramingFailure()
	m.DeliveryDropped()

	expected := `
# HELP chat_active_connections Connections currently open.
# TYPE chat_active_connections gauge
chat_active_connections 1
# HELP chat_messages_total Dispatched requests by message type.
# TYPE chat_messages_total counter
chat_messages_total{type="text"} 2
# HELP chat_online_sessions Authenticated sessions in the registry.
# TYPE chat_online_sessions gauge
chat_online_sessions 3
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"chat_active_connections", "chat_messages_total", "chat_online_sessions")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `chat_errors_total{code="RATE_LIMITED"} 1`)
	assert.Contains(t, string(body), `chat_connections_total{transport="ws"} 1`)
	assert.Contains(t, string(body), "chat_framing_failures_total 1")
}
