package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRequest("ListInvoices", 200, time.Millisecond)
		m.CacheHit(true)
		m.SocketEvent("status_update")
		m.SocketReconnectAttempt()
		m.SocketConnected(true)
		m.BulkOutcome("confirm", false)
	})
	assert.Nil(t, m.Registry())
}

func TestCountersRecord(t *testing.T) {
	m := New()

	m.ObserveRequest("ListInvoices", 200, 20*time.Millisecond)
	m.ObserveRequest("ListInvoices", 200, 30*time.Millisecond)
	m.ObserveRequest("ConfirmInvoice", 0, time.Millisecond)
	m.SocketEvent("status_update")
	m.SocketConnected(true)
	m.BulkOutcome("confirm", true)
	m.BulkOutcome("confirm", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("ListInvoices", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("ConfirmInvoice", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.socketEvents.WithLabelValues("status_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.socketConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bulkOutcomes.WithLabelValues("confirm", "failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SocketReconnectAttempt()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "invoicedesk_socket_reconnect_attempts_total 1")
}
