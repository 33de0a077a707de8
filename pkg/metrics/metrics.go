package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule evaluation metrics
var (
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_rule_evaluations_total",
			Help: "Total number of rule predicate evaluations",
		},
		[]string{"result"}, // matched, unmatched, error, skipped
	)

	ExpressionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_expression_errors_total",
			Help: "Total number of expression failures",
		},
		[]string{"stage", "kind"}, // stage: build, parse, evaluate; kind: parse, type, arity, runtime
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_evaluation_duration_seconds",
			Help:    "Duration of expression evaluations in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
		},
		[]string{"scope"}, // search, action, sieve
	)

	ActionsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_actions_total",
			Help: "Total number of actions executed by matched rules",
		},
		[]string{"action"},
	)

	MessagesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_messages_filtered_total",
			Help: "Total number of messages run through the filter",
		},
		[]string{"status"}, // matched, unmatched, error
	)

	FilterDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_filter_duration_seconds",
			Help:    "Duration of filtering one message through all rules",
			Buckets: prometheus.DefBuckets,
		},
	)

	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_searches_total",
			Help: "Total number of folder searches",
		},
		[]string{"status"},
	)
)

// Forwarding metrics
var (
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_forwards_total",
			Help: "Total number of forwarded messages by result",
		},
		[]string{"result"}, // success, temporary_failure, permanent_failure
	)

	ForwardDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sift_forward_duration_seconds",
			Help:    "Duration of SMTP forward attempts in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sift_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sift_component_health_status",
			Help: "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		},
		[]string{"component"},
	)
)

// Store metrics
var (
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_store_operations_total",
			Help: "Total number of message store operations",
		},
		[]string{"operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_store_operation_duration_seconds",
			Help:    "Duration of message store operations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_store_retries_total",
			Help: "Total number of store writes retried after SQLite contention",
		},
		[]string{"operation"},
	)

	MessagesStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sift_messages_stored",
			Help: "Number of messages in the store per folder",
		},
		[]string{"folder"},
	)

	FilterRunsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sift_filter_runs_recorded",
			Help: "Number of filter runs recorded in the store",
		},
	)
)

// HTTP API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sift_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sift_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
