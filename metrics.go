package chronicle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_envelopes_appended_total",
			Help: "Total number of envelopes accepted by the gate",
		},
		[]string{"source"},
	)

	batchesCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_batches_committed_total",
			Help: "Total number of partition batches committed",
		},
	)

	batchCommitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_batch_commit_failures_total",
			Help: "Total number of partition batch commits that failed after retries",
		},
	)

	deadLetteredRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_dead_lettered_records_total",
			Help: "Total number of records journaled to the dead-letter file",
		},
	)

	gateQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronicle_gate_queue_depth",
			Help: "Current depth of the gate ingestion queue",
		},
	)

	blobsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_blobs_written_total",
			Help: "Total number of blob sidecars written",
		},
	)

	sensorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_sensor_restarts_total",
			Help: "Total number of sensor restarts attempted by health checks",
		},
		[]string{"sensor_id", "outcome"},
	)

	captureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_capture_failures_total",
			Help: "Total number of failed capture calls",
		},
		[]string{"sensor_id"},
	)
)
