// ABOUTME: Tests for the Prometheus metrics collector
// ABOUTME: Verifies counter values via Gather and the exposition handler

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.MessagePersisted()
	m.MessagePersisted()
	m.ReceiptsEmitted(3)
	m.ReceiptsEmitted(0)
	m.Delivered("message", true)
	m.Delivered("message", false)
	m.DeliveryFailed(ReasonSubscriberFull)
	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()

	families, err := m.Gather()
	require.NoError(t, err)

	persisted := findMetricFamily(families, "coven_chat_messages_persisted_total")
	require.NotNil(t, persisted)
	assert.Equal(t, 2.0, persisted.Metric[0].GetCounter().GetValue())

	receipts := findMetricFamily(families, "coven_chat_read_receipts_emitted_total")
	require.NotNil(t, receipts)
	assert.Equal(t, 3.0, receipts.Metric[0].GetCounter().GetValue())

	deliveries := findMetricFamily(families, "coven_chat_deliveries_total")
	require.NotNil(t, deliveries)
	dropped := findMetricByLabels(deliveries, map[string]string{"kind": "message", "result": "dropped"})
	require.NotNil(t, dropped)
	assert.Equal(t, 1.0, dropped.GetCounter().GetValue())

	failures := findMetricFamily(families, "coven_chat_delivery_failures_total")
	require.NotNil(t, failures)
	full := findMetricByLabels(failures, map[string]string{"reason": ReasonSubscriberFull})
	require.NotNil(t, full)
	assert.Equal(t, 1.0, full.GetCounter().GetValue())

	subs := findMetricFamily(families, "coven_chat_subscribers")
	require.NotNil(t, subs)
	assert.Equal(t, 1.0, subs.Metric[0].GetGauge().GetValue())
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.MessagePersisted()
		m.ReceiptsEmitted(1)
		m.Delivered("message", true)
		m.DeliveryFailed(ReasonQueueFull)
		m.SubscriberAdded()
		m.SubscriberRemoved()
		m.ConnectionOpened()
		m.ConnectionClosed()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.MessagePersisted()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "coven_chat_messages_persisted_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func findMetricFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func findMetricByLabels(family *dto.MetricFamily, labels map[string]string) *dto.Metric {
	for _, m := range family.Metric {
		matched := 0
		for _, lp := range m.Label {
			if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m
		}
	}
	return nil
}
