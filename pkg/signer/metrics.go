package signer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 记录签名往返的关键指标，nil 时所有方法为空操作。
type Metrics struct {
	started  prometheus.Counter
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
	inFlight prometheus.Gauge
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cardsigner",
			Subsystem: "session",
			Name:      "exchanges_started_total",
			Help:      "Number of sign exchanges started",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardsigner",
			Subsystem: "session",
			Name:      "exchange_outcomes_total",
			Help:      "Finished sign exchanges by outcome",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cardsigner",
			Subsystem: "session",
			Name:      "exchange_latency_ms",
			Help:      "Round-trip time of a sign exchange in milliseconds",
			Buckets:   []float64{5, 10, 50, 100, 500, 1000, 5000, 15000, 30000, 60000, 120000},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cardsigner",
			Subsystem: "session",
			Name:      "exchanges_in_flight",
			Help:      "Sign exchanges waiting for the agent",
		}),
	}
	reg.MustRegister(m.started, m.outcomes, m.latency, m.inFlight)
	return m
}

func (m *Metrics) exchangeStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) exchangeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.outcomes.WithLabelValues(outcome).Inc()
	m.latency.Observe(float64(d.Milliseconds()))
}
