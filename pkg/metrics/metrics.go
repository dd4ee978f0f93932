package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection
type Collector struct {
	// API Metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	APIErrorsTotal     *prometheus.CounterVec

	// Fetch Metrics
	FetchRequestsTotal    *prometheus.CounterVec
	FetchDuration         prometheus.Histogram
	FetchObservationsSize prometheus.Histogram

	// Persistence Metrics
	RecordsSavedTotal   prometheus.Counter
	RecordsSkippedTotal prometheus.Counter
	BatchDuration       prometheus.Histogram
	BatchFailuresTotal  prometheus.Counter

	// Collection Metrics
	CollectionDuration     prometheus.Histogram
	LocationFailuresTotal  *prometheus.CounterVec
	LastSuccessfulRunStamp prometheus.Gauge

	// Database Metrics
	DBQueryDuration   *prometheus.HistogramVec
	DBConnectionPool  *prometheus.GaugeVec
	DBErrorsTotal     *prometheus.CounterVec
	DBConnectAttempts *prometheus.CounterVec
}

// NewCollector creates a collector registered with the default registry
func NewCollector(namespace string) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests by endpoint, method, and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APIRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"endpoint"},
		),

		APIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_errors_total",
				Help:      "Total number of API errors by type",
			},
			[]string{"error_type", "endpoint"},
		),

		FetchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forecast_fetch_requests_total",
				Help:      "Forecast API requests by outcome",
			},
			[]string{"outcome"}, // "success", "request_error", "response_error", "circuit_open", "no_api_key"
		),

		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forecast_fetch_duration_seconds",
				Help:      "Duration of forecast API requests in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		FetchObservationsSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forecast_fetch_observations",
				Help:      "Number of hourly observations returned per fetch",
				Buckets:   []float64{0, 1, 24, 48, 96, 120, 168, 240},
			},
		),

		RecordsSavedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_saved_total",
				Help:      "Total number of new weather records inserted",
			},
		),

		RecordsSkippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_skipped_total",
				Help:      "Total number of observations skipped because they were already stored",
			},
		),

		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_save_duration_seconds",
				Help:      "Duration of batch save transactions in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		BatchFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_save_failures_total",
				Help:      "Total number of batch saves rolled back",
			},
		),

		CollectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "collection_duration_seconds",
				Help:      "Duration of a full collection run in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		LocationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_failures_total",
				Help:      "Total number of per-location failures by stage and whether a later run may succeed",
			},
			[]string{"stage", "transient"}, // "request", "fetch", "save"; "true", "false"
		),

		LastSuccessfulRunStamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_successful_run_timestamp_seconds",
				Help:      "Unix time of the last collection run without failures",
			},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),

		DBConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_connect_attempts_total",
				Help:      "Database connection attempts by result",
			},
			[]string{"result"}, // "success", "failure"
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(histogram prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: histogram,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordAPIRequest increments API request counter
func (c *Collector) RecordAPIRequest(endpoint, method, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// RecordAPIError increments API error counter
func (c *Collector) RecordAPIError(errorType, endpoint string) {
	c.APIErrorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// RecordFetch increments the forecast request counter for an outcome
func (c *Collector) RecordFetch(outcome string) {
	c.FetchRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordLocationFailure increments the per-location failure counter
func (c *Collector) RecordLocationFailure(stage string, transient bool) {
	c.LocationFailuresTotal.WithLabelValues(stage, strconv.FormatBool(transient)).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordConnectAttempt increments the connection attempt counter
func (c *Collector) RecordConnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.DBConnectAttempts.WithLabelValues(result).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
