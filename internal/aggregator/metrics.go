package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source outcomes used as the "outcome" label.
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeInactive = "inactive"
	outcomeOpen     = "circuit_open"
)

// metrics holds the Prometheus collectors for discovery runs.
type metrics struct {
	sourceRuns     *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	rawCandidates  *prometheus.CounterVec
	merges         prometheus.Counter
	persistErrors  *prometheus.CounterVec
	runCandidates  prometheus.Gauge
	nearDuplicates prometheus.Counter
	runDuration    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sourceRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diamond_source_runs_total",
				Help: "Source invocations by outcome.",
			},
			[]string{"source", "outcome"},
		),
		sourceDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "diamond_source_duration_seconds",
				Help:    "Time spent in a single source search.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		rawCandidates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diamond_raw_candidates_total",
				Help: "Raw candidates returned by each source.",
			},
			[]string{"source"},
		),
		merges: f.NewCounter(prometheus.CounterOpts{
			Name: "diamond_merges_total",
			Help: "Raw candidates folded into an identity already seen in the same run.",
		}),
		persistErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diamond_persist_errors_total",
				Help: "Writes that failed after retries.",
			},
			[]string{"kind"},
		),
		runCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "diamond_run_candidates",
			Help: "Distinct candidates produced by the last run.",
		}),
		nearDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "diamond_near_duplicate_identities_total",
			Help: "Identity pairs within the near-duplicate edit distance.",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "diamond_run_duration_seconds",
			Help:    "Wall time of a full discovery run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}
