package metrics

import "github.com/prometheus/client_golang/prometheus"

// BillingMetrics exposes counters/histograms for payment, webhook and reminder flows.
type BillingMetrics struct {
	webhookTotal       *prometheus.CounterVec
	webhookLatency     *prometheus.HistogramVec
	reminderTotal      *prometheus.CounterVec
	paymentTransitions *prometheus.CounterVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total payment provider webhook deliveries by outcome",
		}, []string{"event", "outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carebook",
			Subsystem: "billing",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of payment webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		reminderTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "reminders",
			Name:      "notifications_total",
			Help:      "Reminder scheduler notifications by milestone and status",
		}, []string{"milestone", "status"}),
		paymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "billing",
			Name:      "payment_transitions_total",
			Help:      "Payment status transitions applied",
		}, []string{"to"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal, m.webhookLatency, m.reminderTotal, m.paymentTransitions)
	return m
}

func (m *BillingMetrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(event, outcome).Inc()
}

func (m *BillingMetrics) ObserveWebhookLatency(event string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(event).Observe(seconds)
}

func (m *BillingMetrics) ObserveReminder(milestone, status string) {
	if m == nil {
		return
	}
	m.reminderTotal.WithLabelValues(milestone, status).Inc()
}

func (m *BillingMetrics) ObservePaymentTransition(to string) {
	if m == nil {
		return
	}
	m.paymentTransitions.WithLabelValues(to).Inc()
}
