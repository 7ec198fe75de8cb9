package worker

import "github.com/prometheus/client_golang/prometheus"

// Response sources
const (
	SourceCache       = "cache"
	SourcePreload     = "preload"
	SourceNetwork     = "network"
	SourceFallback    = "fallback"
	SourcePassthrough = "passthrough"
)

// Metrics are the worker counters exported on the agent's /metrics.
type Metrics struct {
	Responses      *prometheus.CounterVec
	NetworkFetches *prometheus.CounterVec
	Downloads      *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citypack",
			Subsystem: "worker",
			Name:      "responses_total",
			Help:      "Intercepted requests by worker scope and response source.",
		}, []string{"scope", "source"}),
		NetworkFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citypack",
			Subsystem: "worker",
			Name:      "network_fetches_total",
			Help:      "Live network fetches issued by a worker.",
		}, []string{"scope"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citypack",
			Subsystem: "worker",
			Name:      "download_assets_total",
			Help:      "Assets handled by bulk download commands.",
		}, []string{"scope", "result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "citypack",
			Subsystem: "worker",
			Name:      "evictions_total",
			Help:      "Entries and partitions evicted by expiration or activation.",
		}, []string{"partition"}),
	}
	if reg != nil {
		reg.MustRegister(m.Responses, m.NetworkFetches, m.Downloads, m.Evictions)
	}
	return m
}

func (m *Metrics) response(scope, source string) {
	if m != nil {
		m.Responses.WithLabelValues(scope, source).Inc()
	}
}

func (m *Metrics) networkFetch(scope string) {
	if m != nil {
		m.NetworkFetches.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) download(scope, result string) {
	if m != nil {
		m.Downloads.WithLabelValues(scope, result).Inc()
	}
}

func (m *Metrics) evicted(partition string, n int) {
	if m != nil && n > 0 {
		m.Evictions.WithLabelValues(partition).Add(float64(n))
	}
}
