package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Batch pipeline counters
	batchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_requests_total",
		Help: "Total number of batch execution requests received",
	})

	batchRequestsSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_requests_success_total",
		Help: "Total number of batch requests that completed fully successful",
	})

	batchExecutionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_executions_processed_total",
		Help: "Total number of executions processed across all batches",
	})

	batchExecutionsSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_executions_success_total",
		Help: "Total number of executions persisted successfully",
	})

	batchCriticalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_critical_failures_total",
		Help: "Total number of batches failed by an uncaught bulk-stage error",
	})

	// Database counters
	databaseOperationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_operations_total",
		Help: "Total number of database operations",
	})

	databaseOperationsError = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_operations_error_total",
		Help: "Total number of failed database operations",
	})

	databaseBulkFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_bulk_insert_fallback_total",
		Help: "Total number of bulk inserts that fell back to per-row inserts",
	})

	// Publisher counters
	publishSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kafka_publish_success_total",
		Help: "Total number of successful publishes to the message bus",
	})

	publishFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kafka_publish_failure_total",
		Help: "Total number of publishes that exhausted retries",
	})

	publishRetry = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kafka_publish_retry_total",
		Help: "Total number of publish retry attempts",
	})

	circuitBreakerOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kafka_circuit_breaker_open_total",
		Help: "Total number of circuit breaker open transitions",
	})

	deadLetterMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kafka_dead_letter_messages_total",
		Help: "Total number of messages routed to the dead-letter topic",
	})

	// Timers
	batchProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batch_processing_duration_seconds",
		Help:    "End-to-end batch processing duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	bulkInsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "database_bulk_insert_duration_seconds",
		Help:    "Bulk insert statement duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	bulkUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "database_bulk_update_duration_seconds",
		Help:    "Bulk sent-timestamp update duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	publishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kafka_publish_duration_seconds",
		Help:    "Single publish attempt duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// Gauges
	poolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connection_pool_active",
		Help: "Connections currently acquired from the pool",
	})

	poolMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connection_pool_max",
		Help: "Maximum pool size",
	})

	poolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connection_pool_utilization",
		Help: "Active/max pool utilization ratio",
	})

	batchThroughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_processing_throughput",
		Help: "Executions per second over the last observation window",
	})

	batchAverageDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_processing_average_duration_seconds",
		Help: "Average batch duration over the last observation window",
	})

	batchSuccessRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_processing_success_rate",
		Help: "Fraction of batches without row failures over the last window",
	})

	optimalBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_size_optimal_current",
		Help: "Current optimizer-advised batch size",
	})
)

func RecordBatchRequest(allSuccessful bool) {
	batchRequestsTotal.Inc()
	if allSuccessful {
		batchRequestsSuccess.Inc()
	}
}

func RecordExecutionsProcessed(total, successful int) {
	batchExecutionsProcessed.Add(float64(total))
	batchExecutionsSuccess.Add(float64(successful))
}

func RecordCriticalBatchFailure() {
	batchCriticalFailures.Inc()
}

func RecordDatabaseOperation(err error) {
	databaseOperationsTotal.Inc()
	if err != nil {
		databaseOperationsError.Inc()
	}
}

func RecordBulkInsertFallback() {
	databaseBulkFallback.Inc()
}

func RecordPublishSuccess() { publishSuccess.Inc() }
func RecordPublishFailure() { publishFailure.Inc() }
func RecordPublishRetry()   { publishRetry.Inc() }
func RecordCircuitOpen()    { circuitBreakerOpen.Inc() }
func RecordDeadLetter()     { deadLetterMessages.Inc() }

func ObserveBatchProcessing(d time.Duration) { batchProcessingDuration.Observe(d.Seconds()) }
func ObserveBulkInsert(d time.Duration)      { bulkInsertDuration.Observe(d.Seconds()) }
func ObserveBulkUpdate(d time.Duration)      { bulkUpdateDuration.Observe(d.Seconds()) }
func ObservePublish(d time.Duration)         { publishDuration.Observe(d.Seconds()) }

func SetPoolGauges(active, max int, utilization float64) {
	poolActive.Set(float64(active))
	poolMax.Set(float64(max))
	poolUtilization.Set(utilization)
}

func SetBatchGauges(throughput, avgDurationSeconds, successRate float64) {
	batchThroughput.Set(throughput)
	batchAverageDuration.Set(avgDurationSeconds)
	batchSuccessRate.Set(successRate)
}

func SetOptimalBatchSize(n int) { optimalBatchSize.Set(float64(n)) }

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
