package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livegate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livegate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Ingest Metrics
	IngestFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livegate_ingest_files_total",
			Help: "Total number of files uploaded by the transcoder",
		},
		[]string{"type"},
	)

	IngestFileSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livegate_ingest_file_size_bytes",
			Help:    "Size of uploaded HLS files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
		},
	)

	SegmentsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_segments_published_total",
			Help: "Total number of segments published to the live stream",
		},
	)

	SegmentsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_segments_dropped_total",
			Help: "Total number of uploaded segments never referenced by a playlist",
		},
	)

	// Buffer pool Metrics
	RentedBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livegate_rented_buffers",
			Help: "Number of shared buffers currently allocated from the pool",
		},
	)

	RentedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livegate_rented_bytes",
			Help: "Bytes currently held by allocated shared buffers",
		},
	)

	// Broadcast Metrics
	BroadcastsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_broadcasts_started_total",
			Help: "Total number of broadcasts started",
		},
	)

	TranscodeRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_transcode_restarts_total",
			Help: "Total number of mid-broadcast transcoder restarts",
		},
	)

	TranscodeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_transcode_failures_total",
			Help: "Total number of unexpected transcoder exits",
		},
	)

	// Archive Metrics
	ArchiveUploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_archive_uploads_total",
			Help: "Total number of segments uploaded to object storage",
		},
	)

	ArchiveDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livegate_archive_drops_total",
			Help: "Total number of segments skipped by the archiver due to backlog",
		},
	)
)
