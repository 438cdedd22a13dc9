// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "seqd",
		Name:      "is_leader",
		Help:      "1 if this process holds the job's lock, else 0",
	}, []string{"job"})

	LeaderChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqd",
		Name:      "leader_changes_total",
		Help:      "Total number of times this process became leader for the job",
	}, []string{"job"})

	JobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqd",
		Name:      "job_errors_total",
		Help:      "Total runner cycles that ended in an error, by kind",
	}, []string{"job", "kind"})

	// Sequencer metrics
	Promoted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqd",
		Subsystem: "sequencer",
		Name:      "promoted_total",
		Help:      "Total committed events promoted to the outgoing stream",
	})
	DrainPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqd",
		Subsystem: "sequencer",
		Name:      "drain_passes_total",
		Help:      "Total drain passes run",
	})
	DrainErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqd",
		Subsystem: "sequencer",
		Name:      "drain_errors_total",
		Help:      "Total drain passes that failed",
	})

	// Reversal metrics
	Reversals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seqd",
		Subsystem: "reversal",
		Name:      "reversals_total",
		Help:      "Total scheduled reversal attempts, by result",
	}, []string{"result"})

	// Firehose metrics
	Delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqd",
		Subsystem: "firehose",
		Name:      "delivered_total",
		Help:      "Total outgoing entries handled by local subscribers",
	})
)

// Job error kinds.
const (
	KindLockUnavailable = "lock_unavailable"
	KindConnectionLost  = "connection_lost"
	KindJob             = "job"
	KindCompleted       = "completed_unexpectedly"
)

// Reversal results.
const (
	ResultReverted = "reverted"
	ResultConflict = "conflict"
	ResultSkipped  = "skipped"
	ResultError    = "error"
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(JobErrors)
		// sequencer
		prometheus.MustRegister(Promoted)
		prometheus.MustRegister(DrainPasses)
		prometheus.MustRegister(DrainErrors)
		// reversal
		prometheus.MustRegister(Reversals)
		// firehose
		prometheus.MustRegister(Delivered)
	})
}
