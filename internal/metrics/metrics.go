// ABOUTME: Prometheus instrumentation for message persistence and live delivery
// ABOUTME: Owns a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "coven_chat"

// Delivery failure reasons.
const (
	ReasonSubscriberFull = "subscriber_full"
	ReasonQueueFull      = "queue_full"
	ReasonRelay          = "relay"
)

// Metrics collects coven-chat counters and gauges.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesPersisted prometheus.Counter
	receiptsEmitted   prometheus.Counter
	deliveries        *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	subscribers       prometheus.Gauge
	wsConnections     prometheus.Gauge
}

// New creates a Metrics with its own registry, including Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages durably appended to a conversation",
		}),
		receiptsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_receipts_emitted_total",
			Help:      "Read receipts emitted for unread-to-read transitions",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Events handed to live subscribers",
		}, []string{"kind", "result"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Live delivery failures by reason",
		}, []string{"reason"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Active topic subscriptions",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open websocket connections",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesPersisted,
		m.receiptsEmitted,
		m.deliveries,
		m.deliveryFailures,
		m.subscribers,
		m.wsConnections,
	)

	return m
}

// MessagePersisted counts one appended message.
func (m *Metrics) MessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

// ReceiptsEmitted counts n read receipts.
func (m *Metrics) ReceiptsEmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.receiptsEmitted.Add(float64(n))
}

// Delivered records a delivery attempt of the given event kind.
func (m *Metrics) Delivered(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.deliveries.WithLabelValues(kind, result).Inc()
}

// DeliveryFailed records a failure with one of the Reason constants.
func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

// SubscriberAdded and SubscriberRemoved track active subscriptions.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// ConnectionOpened and ConnectionClosed track websocket connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

// Gather returns the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	if m == nil {
		return nil, nil
	}
	return m.registry.Gather()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
