package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "entraguard"
)

var (
	analyzerDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	// Graph client metrics
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_requests_total",
		Help:      "Graph API requests by method and response classification.",
	}, []string{"method", "outcome"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_retries_total",
		Help:      "Retry attempts by the classification that triggered them.",
	}, []string{"outcome"})

	ThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "graph_throttle_wait_seconds",
		Help:      "Time spent waiting out rate-limit responses.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_pages_fetched_total",
		Help:      "Collection pages fetched across all paginated requests.",
	})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Token acquisitions against the authority.",
	}, []string{"status"})

	// Analyzer metrics
	AnalyzerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analyzer_runs_total",
		Help:      "Analyzer executions by outcome.",
	}, []string{"analyzer", "status"})

	AnalyzerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analyzer_duration_seconds",
		Help:      "Time taken for one analyzer to complete.",
		Buckets:   analyzerDurationBuckets,
	}, []string{"analyzer"})

	ViolationsDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "violations_detected",
		Help:      "Violations found in the most recent analysis run.",
	}, []string{"analyzer", "severity"})
)
