package exporter

import "github.com/prometheus/client_golang/prometheus"

// Metrics about the exporter itself. Domain samples produced from the
// query registry are published through the snapshot collector instead.
var (
	queryLatencyHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_execution_duration_seconds",
			Help:    "Duration of query execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"query_name", "db_name"},
	)
	errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_errors_total",
			Help: "Total number of query errors",
		},
		[]string{"query_name", "db_name"},
	)
	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"query_name", "db_name"},
	)
	schemaMismatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_schema_mismatch_total",
			Help: "Mapped columns that were absent from the query result set",
		},
		[]string{"query_name", "db_name", "column"},
	)
	processErrorsCnt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_errors_total",
			Help: "Number of internal processing errors",
		},
		[]string{"error"},
	)
	workerQueueGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_queue_length",
			Help: "Number of queries in the worker queue",
		},
	)
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of circuit breakers (0=closed, 1=open)",
		},
		[]string{"db_name"},
	)
)

func init() {
	prometheus.MustRegister(queryLatencyHist)
	prometheus.MustRegister(errorCounter)
	prometheus.MustRegister(retryAttempts)
	prometheus.MustRegister(schemaMismatchCounter)
	prometheus.MustRegister(processErrorsCnt)
	prometheus.MustRegister(workerQueueGauge)
	prometheus.MustRegister(circuitBreakerState)
}
