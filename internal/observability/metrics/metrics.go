package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters/histograms for ingestion and send flows.
type GatewayMetrics struct {
	leadsIngested  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
	probesTotal    *prometheus.CounterVec
	sendsTotal     *prometheus.CounterVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		leadsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmgw",
			Subsystem: "ingestion",
			Name:      "leads_total",
			Help:      "Lead webhook items processed, by source and outcome",
		}, []string{"source", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crmgw",
			Subsystem: "ingestion",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of lead webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmgw",
			Subsystem: "whatsapp",
			Name:      "probes_total",
			Help:      "Existence-check probes, by outcome",
		}, []string{"outcome"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmgw",
			Subsystem: "whatsapp",
			Name:      "sends_total",
			Help:      "Outbound dispatches, by outcome",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.leadsIngested, m.webhookLatency, m.probesTotal, m.sendsTotal)
	return m
}

func (m *GatewayMetrics) ObserveLead(source, status string) {
	if m == nil {
		return
	}
	m.leadsIngested.WithLabelValues(source, status).Inc()
}

func (m *GatewayMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}

func (m *GatewayMetrics) ObserveProbe(outcome string) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(outcome).Inc()
}

func (m *GatewayMetrics) ObserveSend(status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(status).Inc()
}
