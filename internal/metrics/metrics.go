package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentease/converse/internal/registry"
)

const namespace = "converse"

// Metrics groups the realtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	messagesPersisted prometheus.Counter
	sendRejected      *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	inboundEvents     *prometheus.CounterVec
	rateLimited       prometheus.Counter
	publishFailures   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages stored by the delivery coordinator.",
		}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Sends rejected before fan-out, by error code.",
		}, []string{"code"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound events queued on live connections.",
		}, []string{"event"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound events dropped per target connection.",
		}, []string{"reason"}),
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events received, by type.",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rate_limited_total",
			Help:      "Client events dropped by the per-connection rate limit.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_failures_total",
			Help:      "message.sent events that could not be published.",
		}),
	}
	reg.MustRegister(
		m.messagesPersisted,
		m.sendRejected,
		m.deliveries,
		m.deliveryFailures,
		m.inboundEvents,
		m.rateLimited,
		m.publishFailures,
	)
	return m
}

// RegisterGauges exposes live connection and typing counts, read on scrape.
func RegisterGauges(reg prometheus.Registerer, connections, typing func() int) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_connections",
			Help:      "Active websocket connections.",
		}, func() float64 { return float64(connections()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "typing_indicators",
			Help:      "Live typing indicators.",
		}, func() float64 { return float64(typing()) }),
	)
}

// Handler serves the registry in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) MessagePersisted() {
	if m == nil {
		return
	}
	m.messagesPersisted.Inc()
}

func (m *Metrics) SendRejected(code string) {
	if m == nil {
		return
	}
	m.sendRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) Delivered(event string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(event).Inc()
}

// DeliveryFailed classifies err by the registry's delivery errors
func (m *Metrics) DeliveryFailed(err error) {
	if m == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, registry.ErrConnectionClosed):
		reason = "closed"
	case errors.Is(err, registry.ErrSendBufferFull):
		reason = "buffer_full"
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) InboundEvent(event string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}
