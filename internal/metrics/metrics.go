// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/wstm/internal/engine"
)

// Metrics holds the Prometheus collectors fed by finished transactions.
type Metrics struct {
	TransactionsTotal  *prometheus.CounterVec
	ConflictsTotal     prometheus.Counter
	RetriesTotal       prometheus.Counter
	LockedRunsTotal    prometheus.Counter
	VarConflicts       *prometheus.CounterVec
	Attempts           prometheus.Histogram
	TransactionLatency prometheus.Histogram
	ReadSetSize        prometheus.Histogram
	WriteSetSize       prometheus.Histogram
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Finished top-level transactions by outcome",
		}, []string{"outcome"}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Attempts abandoned because of a conflict",
		}),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Explicit retries that waited for a change",
		}),
		LockedRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locked_runs_total",
			Help:      "Transactions that finished under a lock after repeated conflicts",
		}),
		VarConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "var_conflicts_total",
			Help:      "Conflicts per named variable",
		}, []string{"var"}),
		Attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_attempts",
			Help:      "Attempts needed per transaction",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		TransactionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_latency_seconds",
			Help:      "Wall time from first attempt to finish",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		ReadSetSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_set_size",
			Help:      "Variables read by the final attempt",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
		WriteSetSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_set_size",
			Help:      "Variables written by the final attempt",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}
}

// RecordTransaction implements engine.Recorder.
func (m *Metrics) RecordTransaction(rec engine.TxRecord) {
	m.TransactionsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	m.ConflictsTotal.Add(float64(rec.Conflicts))
	m.RetriesTotal.Add(float64(rec.Retries))
	if rec.RunLocked {
		m.LockedRunsTotal.Inc()
	}
	m.Attempts.Observe(float64(rec.Attempts))
	m.TransactionLatency.Observe(rec.Duration.Seconds())
	m.ReadSetSize.Observe(float64(rec.Reads))
	m.WriteSetSize.Observe(float64(rec.Writes))

	// Unnamed variables would make the label set unbounded
	for _, v := range rec.ConflictVars {
		if v.Name != "" {
			m.VarConflicts.WithLabelValues(v.Name).Add(float64(v.Count))
		}
	}
}
