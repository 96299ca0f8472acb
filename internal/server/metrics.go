package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts protocol outcomes per endpoint for the /metrics endpoint.
type Metrics struct {
	requests *prometheus.CounterVec
	tokens   prometheus.Counter
}

// NewMetrics registers the protocol counters on reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orderinfo_requests_total",
			Help: "Protocol requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		tokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "orderinfo_config_tokens_issued_total",
			Help: "Config tokens issued by fetch and save handlers.",
		}),
	}
}

func (m *Metrics) observe(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) tokenIssued() {
	m.tokens.Inc()
}
