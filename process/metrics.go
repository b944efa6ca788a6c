package process

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a
// no-op, so hosts that do not scrape can pass nothing.
type Metrics struct {
	ExecutionsInFlight prometheus.Gauge
	ExecutionsWaiting  prometheus.Gauge
	ExecutionsTotal    *prometheus.CounterVec

	NodeDuration *prometheus.HistogramVec
	NodeRetries  prometheus.Counter
	NodeFailures *prometheus.CounterVec

	Checkpoints prometheus.Counter
	TokensUsed  prometheus.Counter
}

// NewMetrics registers the engine collectors on a registry. Pass nil to
// register on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "procflow",
			Name:      "executions_in_flight",
			Help:      "Process executions currently running.",
		}),
		ExecutionsWaiting: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "procflow",
			Name:      "executions_waiting",
			Help:      "Process executions paused on human or timer input.",
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "executions_total",
			Help:      "Finished process executions by terminal status.",
		}, []string{"status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "procflow",
			Name:      "node_duration_seconds",
			Help:      "Node execution latency by node type and status.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 12),
		}, []string{"type", "status"}),
		NodeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "node_retries_total",
			Help:      "Node attempt retries.",
		}),
		NodeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "node_failures_total",
			Help:      "Terminal node failures by error category.",
		}, []string{"category"}),
		Checkpoints: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}),
		TokensUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "procflow",
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed by AI task nodes.",
		}),
	}
}

func (m *Metrics) execStarted() {
	if m != nil {
		m.ExecutionsInFlight.Inc()
	}
}

func (m *Metrics) execFinished(status ExecutionStatus) {
	if m != nil {
		m.ExecutionsInFlight.Dec()
		m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) execWaiting(delta float64) {
	if m != nil {
		m.ExecutionsWaiting.Add(delta)
	}
}

func (m *Metrics) observeNode(nodeType NodeType, status NodeStatus, seconds float64) {
	if m != nil {
		m.NodeDuration.WithLabelValues(string(nodeType), string(status)).Observe(seconds)
	}
}

func (m *Metrics) nodeRetried() {
	if m != nil {
		m.NodeRetries.Inc()
	}
}

func (m *Metrics) nodeFailed(category ErrorCategory) {
	if m != nil {
		m.NodeFailures.WithLabelValues(string(category)).Inc()
	}
}

func (m *Metrics) checkpointWritten() {
	if m != nil {
		m.Checkpoints.Inc()
	}
}

func (m *Metrics) addTokens(n int) {
	if m != nil && n > 0 {
		m.TokensUsed.Add(float64(n))
	}
}
