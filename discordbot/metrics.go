package discordbot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks notification delivery and completion request outcomes.
// Collectors are registered on their own registry (not the global one),
// so several bots can exist in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	AuditLookupFailures  prometheus.Counter
	CompletionAttempts   prometheus.Counter
	CompletionOutcomes   *prometheus.CounterVec
	CompletionDuration   prometheus.Histogram
	CommandsHandled      *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all collectors registered
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		NotificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discordbot_notifications_sent_total",
				Help: "Audit notifications delivered to the warning channel",
			},
			[]string{"kind"},
		),
		NotificationsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discordbot_notifications_dropped_total",
				Help: "Audit notifications that could not be delivered",
			},
			[]string{"kind", "reason"},
		),
		AuditLookupFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "discordbot_audit_lookup_failures_total",
				Help: "Audit log queries that failed or returned no entries",
			},
		),
		CompletionAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "discordbot_completion_attempts_total",
				Help: "HTTP calls made to the completion provider",
			},
		),
		CompletionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discordbot_completion_outcomes_total",
				Help: "Terminal outcomes of chat requests",
			},
			[]string{"outcome"},
		),
		CompletionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "discordbot_completion_duration_seconds",
				Help:    "Duration of chat requests, including retries",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		CommandsHandled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discordbot_commands_handled_total",
				Help: "Chat channel messages handled, by command",
			},
			[]string{"command"},
		),
	}
}

// The methods below are nil-safe, so components can be built without
// metrics in tests.

func (m *Metrics) notificationSent(kind EventKind) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) notificationDropped(kind EventKind, reason string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) auditLookupFailed() {
	if m == nil {
		return
	}
	m.AuditLookupFailures.Inc()
}

func (m *Metrics) completionAttempted() {
	if m == nil {
		return
	}
	m.CompletionAttempts.Inc()
}

// observeCompletion records the outcome of a chat request. Call with
// time.Now() at the start of the request.
func (m *Metrics) observeCompletion(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.CompletionOutcomes.WithLabelValues(outcome).Inc()
	m.CompletionDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) commandHandled(command string) {
	if m == nil {
		return
	}
	m.CommandsHandled.WithLabelValues(command).Inc()
}
