package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Merge outcomes
const (
	MergePrimary  = "primary"
	MergeDegraded = "degraded"
	MergeFailed   = "failed"
	MergeRejected = "rejected"
)

// Metrics methods are safe on a nil receiver so tests and tools can skip them.
type Metrics struct {
	MatchResults    *prometheus.CounterVec
	BotsSkipped     prometheus.Counter
	Merges          *prometheus.CounterVec
	MergeConflicts  prometheus.Counter
	MergeDuration   prometheus.Histogram
	LockWait        prometheus.Histogram
	LockContention  prometheus.Counter
	AuditFailures   prometheus.Counter
	ImportedAuthors *prometheus.CounterVec
}

// New registers collectors with the default registry. Call once per process.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MatchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_match_results_total",
			Help: "Match results produced by the matching engine, by tier",
		}, []string{"tier"}),
		BotsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_match_bots_skipped_total",
			Help: "Imported authors excluded as automated accounts",
		}),
		Merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_merges_total",
			Help: "Merge operations by outcome",
		}, []string{"outcome"}),
		MergeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_merge_field_conflicts_total",
			Help: "Field-level conflicts recorded during merges",
		}),
		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_merge_duration_seconds",
			Help:    "Wall time of merge operations including lock wait",
			Buckets: prometheus.DefBuckets,
		}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_merge_lock_wait_seconds",
			Help:    "Time spent waiting for the merge target lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}),
		LockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_merge_lock_timeouts_total",
			Help: "Merges rejected because the target lock could not be acquired in time",
		}),
		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_audit_write_failures_total",
			Help: "Audit entries that could not be written",
		}),
		ImportedAuthors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_import_authors_total",
			Help: "Imported authors applied, by resulting action",
		}, []string{"action"}),
	}
}

func (m *Metrics) ObserveMatch(tier string) {
	if m == nil {
		return
	}
	m.MatchResults.WithLabelValues(tier).Inc()
}

func (m *Metrics) IncBotsSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.BotsSkipped.Add(float64(n))
}

func (m *Metrics) ObserveMerge(outcome string, conflicts int, d time.Duration) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
	if conflicts > 0 {
		m.MergeConflicts.Add(float64(conflicts))
	}
	m.MergeDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveLockWait(d time.Duration, acquired bool) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
	if !acquired {
		m.LockContention.Inc()
	}
}

func (m *Metrics) IncAuditFailures() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

func (m *Metrics) AddImported(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ImportedAuthors.WithLabelValues(action).Add(float64(n))
}
