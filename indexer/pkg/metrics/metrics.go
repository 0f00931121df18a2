package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetlake_indexer_build_info",
			Help: "Build information of the indexer",
		},
		[]string{"version", "commit", "date"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_indexer_view_refresh_total",
			Help: "Total number of view refreshes",
		},
		[]string{"view_type", "status"},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlake_indexer_view_refresh_duration_seconds",
			Help:    "Duration of view refreshes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"view_type"},
	)

	IngestStepTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_ingest_step_total",
			Help: "Total number of ingestion step runs by step and status",
		},
		[]string{"step", "status"},
	)

	DocumentWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_document_writes_total",
			Help: "Upserts by collection kind and result (created, updated, unchanged)",
		},
		[]string{"kind", "result"},
	)

	TelemetryRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_telemetry_rows_total",
			Help: "Telemetry rows seen during ingestion by result",
		},
		[]string{"result"},
	)

	TelemetryPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetlake_telemetry_pruned_total",
			Help: "Telemetry records deleted by retention pruning",
		},
	)

	BatchCommitAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_batch_commit_attempts_total",
			Help: "Batch commit attempts by status",
		},
		[]string{"status"},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_token_refresh_total",
			Help: "Identity endpoint token refreshes by status",
		},
		[]string{"status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_api_requests_total",
			Help: "Requests issued to the remote API by method and status code",
		},
		[]string{"method", "status"},
	)

	AggregateWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlake_aggregate_writes_total",
			Help: "Window aggregation runs by window and result (written, empty)",
		},
		[]string{"window", "result"},
	)
)
