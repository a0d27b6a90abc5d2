package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outputsLinkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_outputs_linked_total",
		Help: "Creation events written across all runs.",
	})
	spendsLinkedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_spends_linked_total",
		Help: "Spend events matched to a creation event.",
	})
	orphanSpendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_orphan_spends_total",
		Help: "Inputs whose previous output was never seen.",
	})
	malformedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_malformed_records_total",
		Help: "Ingest records rejected during linking.",
	})
	snapshotRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_snapshot_rows_total",
		Help: "Snapshot rows written across all runs.",
	})
	qaCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxo_lifecycle_qa_check_failures_total",
		Help: "QA check failures by check name.",
	}, []string{"check"})
	runsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_runs_published_total",
		Help: "Runs that passed QA and published.",
	})
	runsAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxo_lifecycle_runs_aborted_total",
		Help: "Runs that aborted before publishing.",
	})
	stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "utxo_lifecycle_stage_seconds",
		Help:    "Wall time spent per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	}, []string{"stage"})
)
