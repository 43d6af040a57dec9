package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachvault_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attachvault_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachvault_ingest_total",
			Help: "Attachment ingests by backend, mode and outcome.",
		},
		[]string{"backend", "mode", "outcome"},
	)

	IngestBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachvault_ingest_bytes_total",
			Help: "Bytes accepted into storage by backend.",
		},
		[]string{"backend"},
	)

	ThumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachvault_thumbnails_total",
			Help: "Thumbnail derivations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	RenderJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachvault_render_jobs_total",
			Help: "Render jobs processed by workers, by outcome.",
		},
		[]string{"outcome"},
	)

	RenderJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "attachvault_render_job_duration_seconds",
			Help:    "Time spent rendering one job.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	RenderQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "attachvault_render_queue_depth",
			Help: "Render queue size by state.",
		},
		[]string{"state"},
	)
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeRetried  = "retried"
	OutcomeDropped  = "dropped"
)
