// Package metrics holds the relay's prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook outcomes, used as the "outcome" label.
const (
	OutcomeReadError        = "read_error"
	OutcomeTooLarge         = "too_large"
	OutcomeInvalidJSON      = "invalid_json"
	OutcomeMissingFields    = "missing_fields"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeDuplicate        = "duplicate"
	OutcomeNotApproved      = "not_approved"
	OutcomeScheduled        = "scheduled"
	OutcomeError            = "error"
)

// Unlock results, used as the "result" label.
const (
	UnlockOK      = "ok"
	UnlockSkipped = "skipped"
	UnlockHTTP    = "http_error"
	UnlockFailed  = "transport_error"
)

type Metrics struct {
	Webhooks             *prometheus.CounterVec
	UpstreamConfirmation *prometheus.CounterVec
	Unlocks              *prometheus.CounterVec
	UnlockDuration       prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the relay instruments on a fresh registry. pending backs
// the relay_pending_unlocks gauge and may be nil.
func New(pending func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_webhooks_total",
				Help: "Webhook deliveries by terminal outcome",
			},
			[]string{"outcome"},
		),
		UpstreamConfirmation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_confirmations_total",
				Help: "Hotmart purchase confirmations by result",
			},
			[]string{"result"},
		),
		Unlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_unlocks_total",
				Help: "Base44 unlock calls by result",
			},
			[]string{"result"},
		),
		UnlockDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_unlock_duration_seconds",
				Help:    "Duration of Base44 unlock calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Webhooks,
		m.UpstreamConfirmation,
		m.Unlocks,
		m.UnlockDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pending != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "relay_pending_unlocks",
				Help: "Unlock calls scheduled but not yet fired",
			},
			func() float64 { return float64(pending()) },
		))
	}
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
