package uow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports commit activity. A nil *Metrics records nothing.
type Metrics struct {
	documents *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilth",
			Subsystem: "uow",
			Name:      "documents_written_total",
			Help:      "Documents written by commits, by operation and type.",
		}, []string{"op", "type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilth",
			Subsystem: "uow",
			Name:      "commit_failures_total",
			Help:      "Commits aborted by a failing persister call, by operation.",
		}, []string{"op"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tilth",
			Subsystem: "uow",
			Name:      "commit_duration_seconds",
			Help:      "Duration of commits that had work to do.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) written(op, typeName string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(op, typeName).Inc()
}

func (m *Metrics) failed(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}

func (m *Metrics) observe(start time.Time) {
	if m == nil {
		return
	}
	m.duration.Observe(time.Since(start).Seconds())
}
