package memo

// metrics.go is a thin abstraction over Prometheus so the engine can be used
// with or without metrics. When the user passes a *prometheus.Registry via
// WithMetrics, labeled collectors are created and registered; otherwise a
// no-op sink is used and the hot path does not pay for metric updates.
//
// ┌───────────────────────────────┬──────┬────────┐
// │ Metric                        │ Type │ Labels │
// ├───────────────────────────────┼──────┼────────┤
// │ memo_cache_hits_total         │ Ctr  │ func   │
// │ memo_cache_misses_total       │ Ctr  │ func   │
// │ memo_cache_corruptions_total  │ Ctr  │ func   │
// │ memo_cache_evictions_total    │ Ctr  │ —      │
// │ memo_store_bytes              │ Gge  │ —      │
// └───────────────────────────────┴──────┴────────┘
//
// © 2025 memo-cache authors. MIT License.

import "github.com/prometheus/client_golang/prometheus"

// metricsSink is the internal interface both the pipeline and the built-in
// backends report into.
type metricsSink interface {
	incHit(funcID string)
	incMiss(funcID string)
	incCorruption(funcID string)
	incEviction()
	setStoreBytes(n int64)
}

/* ---------------- No-op implementation ---------------- */

type noopMetrics struct{}

func (noopMetrics) incHit(string)        {}
func (noopMetrics) incMiss(string)       {}
func (noopMetrics) incCorruption(string) {}
func (noopMetrics) incEviction()         {}
func (noopMetrics) setStoreBytes(int64)  {}

/* ---------------- Prometheus implementation ---------------- */

type promMetrics struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	corruptions *prometheus.CounterVec
	evictions   prometheus.Counter
	storeBytes  prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) (*promMetrics, error) {
	p := &promMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_cache_hits_total",
			Help: "Artifacts served from the store.",
		}, []string{"func"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_cache_misses_total",
			Help: "Calls that had to compute.",
		}, []string{"func"}),
		corruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "memo_cache_corruptions_total",
			Help: "Artifacts that failed to load and were recomputed.",
		}, []string{"func"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "memo_cache_evictions_total",
			Help: "Artifacts evicted under the byte ceiling.",
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memo_store_bytes",
			Help: "Total bytes held by the store after the last eviction pass.",
		}),
	}
	for _, c := range []prometheus.Collector{
		p.hits, p.misses, p.corruptions, p.evictions, p.storeBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *promMetrics) incHit(funcID string)  { p.hits.WithLabelValues(funcID).Inc() }
func (p *promMetrics) incMiss(funcID string) { p.misses.WithLabelValues(funcID).Inc() }
func (p *promMetrics) incCorruption(funcID string) {
	p.corruptions.WithLabelValues(funcID).Inc()
}
func (p *promMetrics) incEviction()        { p.evictions.Inc() }
func (p *promMetrics) setStoreBytes(n int64) { p.storeBytes.Set(float64(n)) }
