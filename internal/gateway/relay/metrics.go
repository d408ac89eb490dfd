package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics 记录中转队列的关键指标。
type Metrics struct {
	queueDepth prometheus.Gauge
	jobs       *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	items      prometheus.Histogram
}

// NewMetrics 构造 Metrics，reg 为空则注册到默认注册器。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of sign jobs waiting for the card",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_total",
			Help: "Finished relay sign jobs by outcome",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejected_total",
			Help: "Sign jobs rejected before queueing",
		}, []string{"reason"}),
		items: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_batch_items",
			Help:    "Number of documents per relayed batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
	}
	reg.MustRegister(m.queueDepth, m.jobs, m.rejected, m.items)
	return m
}

func (m *Metrics) incQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

func (m *Metrics) decQueueDepth() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}

func (m *Metrics) incJob(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

func (m *Metrics) incRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) observeItems(n int) {
	if m == nil {
		return
	}
	m.items.Observe(float64(n))
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
