package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.EventsReceived.WithLabelValues("message:send").Inc()
	m.Connections.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsReceived.WithLabelValues("message:send")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chat_events_received_total{event="message:send"} 1`)
	assert.Contains(t, string(body), "chat_connections 3")
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.RateLimited.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RateLimited))
}
