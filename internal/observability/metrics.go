package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "jobs_processed_total",
		Help:      "Total number of processing jobs reaching a terminal state",
	}, []string{"status", "priority"})

	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "job_retries_total",
		Help:      "Total number of job retry requeues",
	})

	FacesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "faces_indexed_total",
		Help:      "Total number of face embeddings inserted into event indexes",
	}, []string{"event_id"})

	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixstock",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Duration of pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"stage"})

	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pixstock",
		Name:      "search_duration_seconds",
		Help:      "End-to-end face search duration",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	SearchCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "search_cache_hits_total",
		Help:      "Search result cache hits",
	})

	SearchCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "search_cache_misses_total",
		Help:      "Search result cache misses",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixstock",
		Name:      "queue_depth",
		Help:      "Pending jobs per priority lane",
	}, []string{"priority"})

	IndexSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixstock",
		Name:      "index_size",
		Help:      "Number of embeddings held per event index",
	}, []string{"event_id"})

	IndexRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixstock",
		Name:      "index_rebuilds_total",
		Help:      "Total number of index snapshot rebuilds",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixstock",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixstock",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
