// Package observability wires Prometheus metrics, OpenTelemetry tracing and
// the structured logger used by the gateway.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Metrics collects gateway metrics. A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.MessageRouted("telegram", observability.OutcomeAllowed)
//	metrics.ChannelStatus("slack", models.StatusConnected)
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (incoming|outgoing)
	MessageCounter *prometheus.CounterVec

	// RoutingOutcomes counts router decisions for inbound messages.
	// Labels: channel, outcome
	RoutingOutcomes *prometheus.CounterVec

	// PairingAttempts counts pairing code redemptions.
	// Labels: channel, result (success|invalid|expired|locked)
	PairingAttempts *prometheus.CounterVec

	// DeliveryFailures counts outbound sends that failed.
	// Labels: channel, code
	DeliveryFailures *prometheus.CounterVec

	// SendDuration measures adapter send latency in seconds.
	// Labels: channel
	SendDuration *prometheus.HistogramVec

	// AgentEvents counts daemon events handled by the router.
	// Labels: event
	AgentEvents *prometheus.CounterVec

	// ChannelState is 1 for the current status of each channel and 0 otherwise.
	// Labels: channel, status
	ChannelState *prometheus.GaugeVec

	// ActiveSessions tracks sessions bound to a running task.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// HTTPRequestDuration measures control plane latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// Routing outcomes.
const (
	OutcomeAllowed         = "allowed"
	OutcomeDenied          = "denied"
	OutcomePairingRequired = "pairing_required"
	OutcomeRateLimited     = "rate_limited"
	OutcomeCommand         = "command"
	OutcomeError           = "error"
)

var channelStatuses = []models.ChannelStatus{
	models.StatusDisconnected,
	models.StatusConnecting,
	models.StatusConnected,
	models.StatusError,
}

// NewMetrics creates the gateway metrics and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_messages_total",
				Help: "Total number of chat messages by channel and direction",
			},
			[]string{"channel", "direction"},
		),
		RoutingOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_routing_outcomes_total",
				Help: "Router decisions for inbound messages",
			},
			[]string{"channel", "outcome"},
		),
		PairingAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_pairing_attempts_total",
				Help: "Pairing code redemptions by result",
			},
			[]string{"channel", "result"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_delivery_failures_total",
				Help: "Outbound messages that could not be delivered",
			},
			[]string{"channel", "code"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cowork_gateway_send_duration_seconds",
				Help:    "Duration of adapter sends in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"channel"},
		),
		AgentEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_agent_events_total",
				Help: "Agent daemon events handled by the router",
			},
			[]string{"event"},
		),
		ChannelState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowork_gateway_channel_status",
				Help: "Current channel status (1 for the active status)",
			},
			[]string{"channel", "status"},
		),
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowork_gateway_active_sessions",
				Help: "Sessions currently bound to a running task",
			},
			[]string{"channel"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cowork_gateway_http_request_duration_seconds",
				Help:    "Duration of control plane requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowork_gateway_errors_total",
				Help: "Errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// MessageRecorded counts a message crossing an adapter.
func (m *Metrics) MessageRecorded(channel string, direction models.Direction) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(channel, string(direction)).Inc()
}

// MessageRouted counts a routing decision.
func (m *Metrics) MessageRouted(channel, outcome string) {
	if m == nil {
		return
	}
	m.RoutingOutcomes.WithLabelValues(channel, outcome).Inc()
}

// PairingAttempt counts a pairing redemption.
func (m *Metrics) PairingAttempt(channel, result string) {
	if m == nil {
		return
	}
	m.PairingAttempts.WithLabelValues(channel, result).Inc()
}

// SendObserved records one adapter send.
func (m *Metrics) SendObserved(channel string, seconds float64, errCode string) {
	if m == nil {
		return
	}
	m.SendDuration.WithLabelValues(channel).Observe(seconds)
	if errCode != "" {
		m.DeliveryFailures.WithLabelValues(channel, errCode).Inc()
	}
}

// AgentEvent counts a daemon event.
func (m *Metrics) AgentEvent(event string) {
	if m == nil {
		return
	}
	m.AgentEvents.WithLabelValues(event).Inc()
}

// ChannelStatus sets the status gauge so exactly one status reads 1.
func (m *Metrics) ChannelStatus(channel string, status models.ChannelStatus) {
	if m == nil {
		return
	}
	for _, s := range channelStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ChannelState.WithLabelValues(channel, string(s)).Set(v)
	}
}

// ForgetChannel removes every series for a deleted channel.
func (m *Metrics) ForgetChannel(channel string) {
	if m == nil {
		return
	}
	for _, s := range channelStatuses {
		m.ChannelState.DeleteLabelValues(channel, string(s))
	}
	m.ActiveSessions.DeleteLabelValues(channel)
}

// SessionActivated adjusts the active session gauge by delta.
func (m *Metrics) SessionActivated(channel string, delta float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Add(delta)
}

// HTTPRequest records a control plane request.
func (m *Metrics) HTTPRequest(method, path, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(seconds)
}

// RecordError counts an error.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
