package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics records the payment lifecycle: creations, status queries,
// polling session endings and reconciled outcomes.
type PaymentMetrics struct {
	creations     *prometheus.CounterVec
	statusQueries *prometheus.CounterVec
	sessionsEnded *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	handoffFails  prometheus.Counter
}

// NewPaymentMetrics registers the collectors on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	creations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_intent_creations_total",
		Help: "Payment intent creation attempts by method and result.",
	}, []string{"method", "result"})
	statusQueries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_status_queries_total",
		Help: "Payment status queries by trigger and result.",
	}, []string{"trigger", "result"})
	sessionsEnded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_polling_sessions_ended_total",
		Help: "Polling sessions released, by final state.",
	}, []string{"state"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_outcomes_total",
		Help: "Reconciled payment outcomes by status.",
	}, []string{"status"})
	handoffFails := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_handoff_failures_total",
		Help: "Approved payments whose booking update failed.",
	})
	reg.MustRegister(creations, statusQueries, sessionsEnded, outcomes, handoffFails)
	return &PaymentMetrics{
		creations:     creations,
		statusQueries: statusQueries,
		sessionsEnded: sessionsEnded,
		outcomes:      outcomes,
		handoffFails:  handoffFails,
	}
}

func (m *PaymentMetrics) IncCreation(method, result string) {
	if m == nil || m.creations == nil {
		return
	}
	m.creations.WithLabelValues(normalizeLabel(method), normalizeLabel(result)).Inc()
}

func (m *PaymentMetrics) IncStatusQuery(trigger, result string) {
	if m == nil || m.statusQueries == nil {
		return
	}
	m.statusQueries.WithLabelValues(normalizeLabel(trigger), normalizeLabel(result)).Inc()
}

func (m *PaymentMetrics) IncSessionEnded(state string) {
	if m == nil || m.sessionsEnded == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(normalizeLabel(state)).Inc()
}

func (m *PaymentMetrics) IncOutcome(status string) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *PaymentMetrics) IncHandoffFailure() {
	if m == nil || m.handoffFails == nil {
		return
	}
	m.handoffFails.Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
