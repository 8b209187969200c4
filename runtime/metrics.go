package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the host's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reloads          *prometheus.CounterVec
	traps            prometheus.Counter
	restoreFailures  prometheus.Counter
	generation       prometheus.Gauge
	frames           prometheus.Counter
	frameDuration    prometheus.Histogram
	loadDuration     prometheus.Histogram
	snapshotFailures prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "reloads_total",
			Help:      "Plugin load attempts by result.",
		}, []string{"result"}),
		traps: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "traps_total",
			Help:      "Plugin instances poisoned by a sandbox trap.",
		}),
		restoreFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "restore_failures_total",
			Help:      "State migrations that fell back to fresh state.",
		}),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotswap",
			Name:      "generation",
			Help:      "Generation of the running plugin.",
		}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "frames_total",
			Help:      "Frames driven by the host loop.",
		}),
		frameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hotswap",
			Name:      "frame_duration_seconds",
			Help:      "Time spent in update, render and flush per frame.",
			Buckets:   []float64{.0005, .001, .002, .004, .008, .016, .033, .066, .1},
		}),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hotswap",
			Name:      "load_duration_seconds",
			Help:      "Time to read, compile, link and construct a plugin.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hotswap",
			Name:      "snapshot_failures_total",
			Help:      "Snapshots that could not be written to the store.",
		}),
	}
}

func (m *Metrics) reload(ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloads.WithLabelValues(result).Inc()
	m.loadDuration.Observe(seconds)
}

func (m *Metrics) trap() {
	if m != nil {
		m.traps.Inc()
	}
}

func (m *Metrics) restoreFailure() {
	if m != nil {
		m.restoreFailures.Inc()
	}
}

func (m *Metrics) setGeneration(g uint64) {
	if m != nil {
		m.generation.Set(float64(g))
	}
}

func (m *Metrics) frame(seconds float64) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.frameDuration.Observe(seconds)
}

func (m *Metrics) snapshotFailure() {
	if m != nil {
		m.snapshotFailures.Inc()
	}
}
