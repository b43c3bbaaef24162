// Package metrics exposes Prometheus counters for resolver, gesture and
// classifier activity. A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carvision"

// Collector groups the carvision metrics.
type Collector struct {
	resolves     *prometheus.CounterVec
	gestures     *prometheus.CounterVec
	placements   prometheus.Counter
	classifies   *prometheus.CounterVec
	classifyTime prometheus.Histogram
	stale        prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Attribute lookups by match kind.",
		}, []string{"kind"}),
		gestures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gestures_total",
			Help:      "Tap, pan and pinch events applied to a placed car.",
		}, []string{"gesture"}),
		placements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Cars placed in the scene.",
		}),
		classifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classifier calls by outcome.",
		}, []string{"outcome"}),
		classifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_duration_seconds",
			Help:      "Classifier round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "Classifier results dropped because a newer request superseded them.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.resolves, c.gestures, c.placements, c.classifies, c.classifyTime, c.stale)
	}
	return c
}

// Resolve counts one lookup with the given match kind name.
func (c *Collector) Resolve(kind string) {
	if c == nil {
		return
	}
	c.resolves.WithLabelValues(kind).Inc()
}

// Gesture counts one applied gesture ("tap", "pan" or "pinch").
func (c *Collector) Gesture(name string) {
	if c == nil {
		return
	}
	c.gestures.WithLabelValues(name).Inc()
}

// Placement counts one car placement.
func (c *Collector) Placement() {
	if c == nil {
		return
	}
	c.placements.Inc()
}

// Classify records a classifier call that took d. A nil err is "ok".
func (c *Collector) Classify(d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.classifies.WithLabelValues(outcome).Inc()
	c.classifyTime.Observe(d.Seconds())
}

// Stale counts one discarded classifier result.
func (c *Collector) Stale() {
	if c == nil {
		return
	}
	c.stale.Inc()
}
