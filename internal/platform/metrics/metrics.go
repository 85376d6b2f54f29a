// Package metrics holds the prometheus collectors of the clinic server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters and histograms for appointment lifecycle
// operations and reminder delivery. A nil *SchedulingMetrics is a no-op.
type SchedulingMetrics struct {
	mutations *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	reminders *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "mutations_total",
			Help:      "Appointment mutations by action and outcome",
		}, []string{"action", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "conflicts_total",
			Help:      "Mutations rejected because the doctor was already booked",
		}, []string{"action"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "reminders_total",
			Help:      "Reminder deliveries by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "mutation_latency_seconds",
			Help:      "Latency of appointment mutations including lock wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.mutations, m.conflicts, m.reminders, m.latency)
	return m
}

func (m *SchedulingMetrics) ObserveMutation(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveConflict(action string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(action).Inc()
}

func (m *SchedulingMetrics) ObserveReminder(outcome string) {
	if m == nil {
		return
	}
	m.reminders.WithLabelValues(outcome).Inc()
}
