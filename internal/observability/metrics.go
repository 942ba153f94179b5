package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the host's Prometheus metrics.
type Metrics struct {
	// MessagesReceived counts inbound messages by channel.
	MessagesReceived *prometheus.CounterVec

	// MessagesSent counts outbound messages by channel and status.
	MessagesSent *prometheus.CounterVec

	// ActiveTasks gauges in-flight pipeline tasks.
	ActiveTasks prometheus.Gauge

	// TasksCompleted counts finished tasks by outcome (completed|failed).
	TasksCompleted *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds by provider.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequests counts LLM calls by provider and status.
	LLMRequests *prometheus.CounterVec

	// ToolInvocations counts tool calls by tool name and status.
	ToolInvocations *prometheus.CounterVec

	// VerificationAttempts counts verifier runs by outcome rating.
	VerificationAttempts *prometheus.CounterVec

	// ChannelReconnects counts reconnection attempts by channel.
	ChannelReconnects *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_received_total",
				Help: "Inbound messages by channel.",
			},
			[]string{"channel"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_sent_total",
				Help: "Outbound messages by channel and status.",
			},
			[]string{"channel", "status"},
		),
		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_tasks",
				Help: "In-flight pipeline tasks.",
			},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tasks_total",
				Help: "Finished tasks by outcome.",
			},
			[]string{"outcome"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "LLM call latency by provider.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "LLM calls by provider and status.",
			},
			[]string{"provider", "status"},
		),
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_invocations_total",
				Help: "Tool calls by name and status.",
			},
			[]string{"tool", "status"},
		),
		VerificationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_verification_attempts_total",
				Help: "Verifier runs by rating.",
			},
			[]string{"rating"},
		),
		ChannelReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_channel_reconnects_total",
				Help: "Reconnection attempts by channel.",
			},
			[]string{"channel"},
		),
	}
}
