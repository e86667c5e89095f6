// Package metrics provides Prometheus metrics for the sorrel service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessedTotal tracks dedup passes over records by outcome
	RecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "dedup",
			Name:      "records_processed_total",
			Help:      "Total number of records run through deduplication by outcome",
		},
		[]string{"source_id", "outcome"},
	)

	// DedupDuration tracks the duration of one dedup pass over a record
	DedupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sorrel",
			Subsystem: "dedup",
			Name:      "record_duration_seconds",
			Help:      "Duration of one record's dedup pass in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"source_id"},
	)

	// GroupMutationsTotal tracks dedup group mutations by kind
	GroupMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "groups",
			Name:      "mutations_total",
			Help:      "Total number of dedup group mutations by kind",
		},
		[]string{"kind"},
	)

	// RepairActionsTotal tracks consistency repairs applied
	RepairActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sorrel",
			Subsystem: "repair",
			Name:      "actions_total",
			Help:      "Total number of consistency repair actions by reason",
		},
		[]string{"reason"},
	)
)
