package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CheckpointBuckets for barrier round trips plus the durable store write
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// FoldBuckets for a single fold invocation
	FoldBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	// SizeBuckets for encoded checkpoint sizes in bytes
	SizeBuckets = []float64{1 << 10, 16 << 10, 128 << 10, 1 << 20, 8 << 20, 64 << 20, 256 << 20}
)

// Source Metrics
var (
	// EventsReadTotal counts change events read by source (cluster name) and operation
	EventsReadTotal CounterVec = noopCounterVec

	// ReaderPhase tracks the reader phase per job (0=snapshotting, 1=streaming)
	ReaderPhase GaugeVec = noopGaugeVec

	// ReaderRetriesTotal counts reconnect attempts by error kind
	ReaderRetriesTotal CounterVec = noopCounterVec

	// ReaderSnapshotRowsTotal counts rows emitted by the snapshot scan
	ReaderSnapshotRowsTotal Counter = NoopStat{}
)

// Pipeline Metrics
var (
	// EventsDroppedTotal counts events removed before folding by reason (duplicate, stale_sync, filtered)
	EventsDroppedTotal CounterVec = noopCounterVec

	// EventsFoldedTotal counts fold invocations by job
	EventsFoldedTotal CounterVec = noopCounterVec

	// FoldDurationSeconds measures fold latency
	FoldDurationSeconds Histogram = NoopStat{}

	// DedupFilterChecks counts dedup lookups by result (fast_path, slow_path)
	DedupFilterChecks CounterVec = noopCounterVec

	// HeldOutputs tracks outputs buffered until their epoch is durable
	HeldOutputs Gauge = NoopStat{}

	// SinkWritesTotal counts sink writes by sink type and result
	SinkWritesTotal CounterVec = noopCounterVec
)

// Checkpoint Metrics
var (
	// CheckpointsTotal counts snapshot attempts by result (completed, timeout, failed)
	CheckpointsTotal CounterVec = noopCounterVec

	// CheckpointDurationSeconds measures barrier-to-durable latency
	CheckpointDurationSeconds Histogram = NoopStat{}

	// CheckpointBytes measures encoded checkpoint size
	CheckpointBytes Histogram = NoopStat{}

	// LastCheckpointID tracks the latest durable checkpoint per job
	LastCheckpointID GaugeVec = noopGaugeVec
)

// Job Metrics
var (
	// JobStatusTransitionsTotal counts status transitions (from -> to)
	JobStatusTransitionsTotal CounterVec = noopCounterVec

	// Jobs tracks the number of jobs per status
	Jobs GaugeVec = noopGaugeVec

	// JobFailuresTotal counts job failures by error kind
	JobFailuresTotal CounterVec = noopCounterVec
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Source Metrics
	EventsReadTotal = NewCounterVec(
		"events_read_total",
		"Change events read from the source by operation",
		[]string{"source", "op"},
	)
	ReaderPhase = NewGaugeVec(
		"reader_phase",
		"Reader phase per job (0=snapshotting, 1=streaming)",
		[]string{"job"},
	)
	ReaderRetriesTotal = NewCounterVec(
		"reader_retries_total",
		"Reader reconnect attempts by error kind",
		[]string{"kind"},
	)
	ReaderSnapshotRowsTotal = NewCounter(
		"reader_snapshot_rows_total",
		"Rows emitted by snapshot scans",
	)

	// Pipeline Metrics
	EventsDroppedTotal = NewCounterVec(
		"events_dropped_total",
		"Events dropped before folding by reason",
		[]string{"reason"},
	)
	EventsFoldedTotal = NewCounterVec(
		"events_folded_total",
		"Fold invocations by job",
		[]string{"job"},
	)
	FoldDurationSeconds = NewHistogramWithBuckets(
		"fold_duration_seconds",
		"Fold invocation duration in seconds",
		FoldBuckets,
	)
	DedupFilterChecks = NewCounterVec(
		"dedup_filter_checks_total",
		"Dedup filter lookups by result",
		[]string{"result"},
	)
	HeldOutputs = NewGauge(
		"held_outputs",
		"Outputs held until their checkpoint is durable",
	)
	SinkWritesTotal = NewCounterVec(
		"sink_writes_total",
		"Sink writes by sink type and result",
		[]string{"sink", "result"},
	)

	// Checkpoint Metrics
	CheckpointsTotal = NewCounterVec(
		"checkpoints_total",
		"Snapshot attempts by result",
		[]string{"result"},
	)
	CheckpointDurationSeconds = NewHistogramWithBuckets(
		"checkpoint_duration_seconds",
		"Time from barrier injection to durable checkpoint in seconds",
		CheckpointBuckets,
	)
	CheckpointBytes = NewHistogramWithBuckets(
		"checkpoint_bytes",
		"Encoded checkpoint size in bytes",
		SizeBuckets,
	)
	LastCheckpointID = NewGaugeVec(
		"last_checkpoint_id",
		"Latest durable checkpoint ID per job",
		[]string{"job"},
	)

	// Job Metrics
	JobStatusTransitionsTotal = NewCounterVec(
		"job_status_transitions_total",
		"Job status transitions",
		[]string{"from", "to"},
	)
	Jobs = NewGaugeVec(
		"jobs",
		"Number of jobs by status",
		[]string{"status"},
	)
	JobFailuresTotal = NewCounterVec(
		"job_failures_total",
		"Job failures by error kind",
		[]string{"kind"},
	)
}
