package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brunobiangulo/emrsync/schema"
)

// Lookup outcomes reported by the identity resolver.
const (
	outcomeCache   = "cache"
	outcomeStore   = "store"
	outcomeCreated = "created"
)

// Metrics holds the reconciler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	lookups  *prometheus.CounterVec
	rows     *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emrsync",
			Name:      "identity_lookups_total",
			Help:      "Natural-key resolutions by sub-entity kind and outcome.",
		}, []string{"kind", "outcome"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emrsync",
			Name:      "rows_inserted_total",
			Help:      "Rows inserted by committed reconcile runs, per table.",
		}, []string{"table"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emrsync",
			Name:      "runs_total",
			Help:      "Reconcile runs by final status.",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "emrsync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of reconcile runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) lookup(kind schema.Section, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(string(kind), outcome).Inc()
}

// committed records the rows of a run only once its transaction commits.
func (m *Metrics) committed(rows map[string]int) {
	if m == nil {
		return
	}
	for table, n := range rows {
		m.rows.WithLabelValues(table).Add(float64(n))
	}
}

func (m *Metrics) run(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}
