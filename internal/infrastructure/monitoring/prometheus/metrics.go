package prometheus

import (
	"fmt"
	"time"
)

// AppMetrics holds all application metrics.
type AppMetrics struct {
	// HTTP Layer
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPRequestSize     HistogramVec
	HTTPResponseSize    HistogramVec
	HTTPActiveRequests  GaugeVec

	// Experiment Layer
	ExperimentsByStatus        GaugeVec
	ExperimentTransitionsTotal CounterVec

	// Assignment Layer
	AssignmentsTotal          CounterVec
	AssignmentExclusionsTotal CounterVec
	AssignmentDuration        HistogramVec

	// Result Layer
	ResultEventsTotal         CounterVec
	ResultRecordDuration      HistogramVec
	ResultAggregationDuration HistogramVec

	// Significance Layer
	SignificanceTestsTotal CounterVec
	SignificanceDuration   HistogramVec

	// Worker Layer
	WorkerMessagesTotal   CounterVec
	WorkerMessageDuration HistogramVec
	ReportsGeneratedTotal CounterVec
	ReportBuildDuration   HistogramVec

	// Infrastructure Layer
	DBConnectionPoolSize   GaugeVec
	DBConnectionPoolActive GaugeVec
	DBQueryDuration        HistogramVec
	CacheHitsTotal         CounterVec
	CacheMissesTotal       CounterVec

	// System Health
	ServiceUptime     GaugeVec
	HealthCheckStatus GaugeVec
	ErrorsTotal       CounterVec
}

// Default Buckets
var (
	DefaultHTTPDurationBuckets       = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultAssignmentDurationBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	DefaultAggregationBuckets        = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}
	DefaultSizeBuckets               = []float64{100, 1000, 10000, 100000, 1000000, 10000000}
	DefaultDBDurationBuckets         = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5}
)

// NewAppMetrics registers all metrics and returns AppMetrics struct.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	// HTTP
	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "path", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "path")
	m.HTTPRequestSize = collector.RegisterHistogram("http_request_size_bytes", "HTTP request size", DefaultSizeBuckets, "method", "path")
	m.HTTPResponseSize = collector.RegisterHistogram("http_response_size_bytes", "HTTP response size", DefaultSizeBuckets, "method", "path")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "Active HTTP requests", "method", "path")

	// Experiment
	m.ExperimentsByStatus = collector.RegisterGauge("experiments_by_status", "Experiments grouped by lifecycle status", "status")
	m.ExperimentTransitionsTotal = collector.RegisterCounter("experiment_transitions_total", "Experiment status transitions", "from", "to")

	// Assignment
	m.AssignmentsTotal = collector.RegisterCounter("assignments_total", "Variant assignments served", "experiment", "source")
	m.AssignmentExclusionsTotal = collector.RegisterCounter("assignment_exclusions_total", "Subjects excluded from experiments", "experiment", "reason")
	m.AssignmentDuration = collector.RegisterHistogram("assignment_duration_seconds", "Assignment resolution duration", DefaultAssignmentDurationBuckets, "experiment")

	// Result
	m.ResultEventsTotal = collector.RegisterCounter("result_events_total", "Result events recorded", "experiment", "metric_type")
	m.ResultRecordDuration = collector.RegisterHistogram("result_record_duration_seconds", "Result event recording duration", DefaultAssignmentDurationBuckets, "experiment")
	m.ResultAggregationDuration = collector.RegisterHistogram("result_aggregation_duration_seconds", "Results aggregation duration", DefaultAggregationBuckets, "experiment")

	// Significance
	m.SignificanceTestsTotal = collector.RegisterCounter("significance_tests_total", "Significance calculations performed", "method", "significant")
	m.SignificanceDuration = collector.RegisterHistogram("significance_duration_seconds", "Significance calculation duration", DefaultAggregationBuckets, "method")

	// Worker
	m.WorkerMessagesTotal = collector.RegisterCounter("worker_messages_total", "Messages handled by the worker", "topic", "status")
	m.WorkerMessageDuration = collector.RegisterHistogram("worker_message_duration_seconds", "Worker message handling duration", DefaultHTTPDurationBuckets, "topic")
	m.ReportsGeneratedTotal = collector.RegisterCounter("reports_generated_total", "Final experiment reports generated", "status")
	m.ReportBuildDuration = collector.RegisterHistogram("report_build_duration_seconds", "Final report build duration", DefaultAggregationBuckets, "experiment")

	// Infrastructure
	m.DBConnectionPoolSize = collector.RegisterGauge("db_pool_size", "Database connection pool size", "db")
	m.DBConnectionPoolActive = collector.RegisterGauge("db_pool_active", "Database active connections", "db")
	m.DBQueryDuration = collector.RegisterHistogram("db_query_duration_seconds", "Database query duration", DefaultDBDurationBuckets, "db", "operation")
	m.CacheHitsTotal = collector.RegisterCounter("cache_hits_total", "Cache hits", "cache")
	m.CacheMissesTotal = collector.RegisterCounter("cache_misses_total", "Cache misses", "cache")

	// System Health
	m.ServiceUptime = collector.RegisterGauge("service_uptime_seconds", "Service uptime", "service")
	m.HealthCheckStatus = collector.RegisterGauge("health_check_status", "Health check status (1=up, 0=down)", "component")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Total errors", "component", "error_type", "severity")

	return m
}

// RegisterAppMetrics is an alias for NewAppMetrics.
func RegisterAppMetrics(collector MetricsCollector) *AppMetrics {
	return NewAppMetrics(collector)
}

// Helpers
//
// All helpers accept a nil *AppMetrics and become no-ops, so callers built
// without a collector (the CLI, unit tests) need no guards of their own.

func RecordHTTPRequest(metrics *AppMetrics, method, path string, statusCode int, duration time.Duration, reqSize, respSize int64) {
	if metrics == nil {
		return
	}
	status := fmt.Sprintf("%d", statusCode)
	metrics.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

func RecordTransition(metrics *AppMetrics, from, to string) {
	if metrics == nil {
		return
	}
	metrics.ExperimentTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordAssignment(metrics *AppMetrics, experiment, source string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.AssignmentsTotal.WithLabelValues(experiment, source).Inc()
	metrics.AssignmentDuration.WithLabelValues(experiment).Observe(duration.Seconds())
}

func RecordExclusion(metrics *AppMetrics, experiment, reason string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.AssignmentExclusionsTotal.WithLabelValues(experiment, reason).Inc()
	metrics.AssignmentDuration.WithLabelValues(experiment).Observe(duration.Seconds())
}

func RecordResultEvent(metrics *AppMetrics, experiment, metricType string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.ResultEventsTotal.WithLabelValues(experiment, metricType).Inc()
	metrics.ResultRecordDuration.WithLabelValues(experiment).Observe(duration.Seconds())
}

func RecordAggregation(metrics *AppMetrics, experiment string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.ResultAggregationDuration.WithLabelValues(experiment).Observe(duration.Seconds())
}

func RecordSignificanceTest(metrics *AppMetrics, method string, significant bool, duration time.Duration) {
	if metrics == nil {
		return
	}
	outcome := "false"
	if significant {
		outcome = "true"
	}
	metrics.SignificanceTestsTotal.WithLabelValues(method, outcome).Inc()
	metrics.SignificanceDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordWorkerMessage(metrics *AppMetrics, topic, status string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.WorkerMessagesTotal.WithLabelValues(topic, status).Inc()
	metrics.WorkerMessageDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

func RecordReport(metrics *AppMetrics, experiment, status string, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.ReportsGeneratedTotal.WithLabelValues(status).Inc()
	metrics.ReportBuildDuration.WithLabelValues(experiment).Observe(duration.Seconds())
}

func RecordDBQuery(metrics *AppMetrics, db, operation string, duration time.Duration, err error) {
	if metrics == nil {
		return
	}
	metrics.DBQueryDuration.WithLabelValues(db, operation).Observe(duration.Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(db, "query_error", "error").Inc()
	}
}

func RecordCacheAccess(metrics *AppMetrics, cache string, hit bool) {
	if metrics == nil {
		return
	}
	if hit {
		metrics.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		metrics.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

func RecordError(metrics *AppMetrics, component, errorType, severity string) {
	if metrics == nil {
		return
	}
	metrics.ErrorsTotal.WithLabelValues(component, errorType, severity).Inc()
}
