// Package metrics exposes Prometheus counters and histograms for the reminder dialogue.
// All Observe methods are safe on a nil *DialogueMetrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Inbound turn outcomes.
const (
	OutcomeAdvanced                  = "advanced"
	OutcomeCompleted                 = "completed"
	OutcomeFallback                  = "fallback"
	OutcomeDropped                   = "dropped"
	OutcomeDuplicate                 = "duplicate"
	OutcomeClassificationUnavailable = "classification_unavailable"
	OutcomeDeliveryFailed            = "delivery_failed"
)

// DialogueMetrics tracks reminders, inbound turns and classifier calls.
type DialogueMetrics struct {
	remindersTotal        *prometheus.CounterVec
	inboundTotal          *prometheus.CounterVec
	classificationsTotal  *prometheus.CounterVec
	classificationLatency *prometheus.HistogramVec
}

func NewDialogueMetrics(reg prometheus.Registerer) *DialogueMetrics {
	m := &DialogueMetrics{
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanpipe",
			Subsystem: "dialogue",
			Name:      "reminders_total",
			Help:      "Total reminder initiations",
		}, []string{"status"}),
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanpipe",
			Subsystem: "dialogue",
			Name:      "inbound_total",
			Help:      "Total inbound patient messages by outcome",
		}, []string{"outcome"}),
		classificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanpipe",
			Subsystem: "classifier",
			Name:      "requests_total",
			Help:      "Total classifier calls",
		}, []string{"kind", "status"}),
		classificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scanpipe",
			Subsystem: "classifier",
			Name:      "latency_seconds",
			Help:      "Latency of classifier calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.remindersTotal, m.inboundTotal, m.classificationsTotal, m.classificationLatency)
	return m
}

func (m *DialogueMetrics) ObserveReminder(sent bool) {
	if m == nil {
		return
	}
	status := "sent"
	if !sent {
		status = "failed"
	}
	m.remindersTotal.WithLabelValues(status).Inc()
}

func (m *DialogueMetrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(outcome).Inc()
}

func (m *DialogueMetrics) ObserveClassification(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.classificationsTotal.WithLabelValues(kind, status).Inc()
	m.classificationLatency.WithLabelValues(kind).Observe(seconds)
}
