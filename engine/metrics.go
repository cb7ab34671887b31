package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's instrumentation. All recording methods are safe
// on a nil receiver, so instrumentation stays optional.
type Metrics struct {
	maskBuilds     prometheus.Counter
	maskHits       prometheus.Counter
	maskLatency    prometheus.Histogram
	tokensEmitted  prometheus.Counter
	tokensRejected prometheus.Counter
	resamples      prometheus.Counter
	fallbacks      prometheus.Counter
	activeSteppers prometheus.Gauge
}

// NewMetrics registers the engine collectors with reg. Pass
// prometheus.DefaultRegisterer for process-global metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		maskBuilds: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "mask_builds_total",
			Help:      "Legal-set computations that walked the vocabulary trie.",
		}),
		maskHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "mask_cache_hits_total",
			Help:      "Legal-set lookups served from the mask cache.",
		}),
		maskLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "mask_build_seconds",
			Help:      "Wall time of uncached legal-set computations.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		tokensEmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "tokens_emitted_total",
			Help:      "Tokens accepted into the output stream.",
		}),
		tokensRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "tokens_rejected_total",
			Help:      "Tokens every live cursor rejected.",
		}),
		resamples: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "resamples_total",
			Help:      "Sampler retries after an illegal pick.",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "fallbacks_total",
			Help:      "Deterministic argmax fallbacks after resampling failed.",
		}),
		activeSteppers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fence",
			Subsystem: "engine",
			Name:      "active_steppers",
			Help:      "Live cursors after the most recent advance.",
		}),
	}
}

func (m *Metrics) recMaskBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.maskBuilds.Inc()
	m.maskLatency.Observe(d.Seconds())
}

func (m *Metrics) recMaskHit() {
	if m == nil {
		return
	}
	m.maskHits.Inc()
}

func (m *Metrics) recEmitted(n int) {
	if m == nil {
		return
	}
	m.tokensEmitted.Add(float64(n))
}

func (m *Metrics) recRejected() {
	if m == nil {
		return
	}
	m.tokensRejected.Inc()
}

func (m *Metrics) recResample() {
	if m == nil {
		return
	}
	m.resamples.Inc()
}

func (m *Metrics) recFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) recActive(n int) {
	if m == nil {
		return
	}
	m.activeSteppers.Set(float64(n))
}
