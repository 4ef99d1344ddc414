package queue

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_queue_files",
		Help: "Number of block files waiting in the shard queue directory",
	}, []string{"shard"})

	queueBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_queue_bytes",
		Help: "On-disk size of the block files waiting in the shard queue directory",
	}, []string{"shard"})

	passPendingFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_pass_pending_files",
		Help: "Files observed by the running drain pass and not yet consumed",
	}, []string{"shard"})

	enqueuedFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_enqueued_files_total",
		Help: "Total number of block files written to the queue",
	}, []string{"shard"})

	enqueuedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_enqueued_bytes_total",
		Help: "Total bytes of block files written to the queue",
	}, []string{"shard"})

	sentFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_sent_files_total",
		Help: "Total number of block files delivered to the remote shard",
	}, []string{"shard"})

	sentRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_sent_rows_total",
		Help: "Total number of rows delivered to the remote shard",
	}, []string{"shard"})

	sentBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_sent_bytes_total",
		Help: "Total uncompressed bytes delivered to the remote shard",
	}, []string{"shard"})

	sentBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_sent_batches_total",
		Help: "Total number of multi-file batches delivered to the remote shard",
	}, []string{"shard"})

	sendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_send_errors_total",
		Help: "Total number of failed unit sends by error type",
	}, []string{"shard", "error_type"})

	brokenFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_broken_files_total",
		Help: "Total number of block files moved to the broken directory",
	}, []string{"shard"})

	batchHeaderWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_batch_header_writes_total",
		Help: "Total number of batch descriptor writes",
	}, []string{"shard"})

	backoffSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_backoff_seconds",
		Help: "Current delay between drain passes in seconds",
	}, []string{"shard"})

	blocked = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_blocked",
		Help: "1 when sends to the shard are paused by the action blocker",
	}, []string{"shard"})

	passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_relay_pass_duration_seconds",
		Help:    "Duration of drain passes",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"shard"})

	// Circuit breaker metrics
	circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_circuit_breaker_state",
		Help: "Current circuit breaker state per replica (1 = active state): closed, open, half_open",
	}, []string{"replica", "state"})

	circuitBreakerOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_circuit_breaker_open_total",
		Help: "Total number of times a replica circuit breaker opened",
	}, []string{"replica"})

	circuitBreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_circuit_breaker_rejected_total",
		Help: "Total number of sends rejected by an open replica circuit breaker",
	}, []string{"replica"})
)

func init() {
	prometheus.MustRegister(queueFiles)
	prometheus.MustRegister(queueBytes)
	prometheus.MustRegister(passPendingFiles)
	prometheus.MustRegister(enqueuedFilesTotal)
	prometheus.MustRegister(enqueuedBytesTotal)
	prometheus.MustRegister(sentFilesTotal)
	prometheus.MustRegister(sentRowsTotal)
	prometheus.MustRegister(sentBytesTotal)
	prometheus.MustRegister(sentBatchesTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(brokenFilesTotal)
	prometheus.MustRegister(batchHeaderWritesTotal)
	prometheus.MustRegister(backoffSeconds)
	prometheus.MustRegister(blocked)
	prometheus.MustRegister(passDuration)
	// Circuit breaker metrics
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(circuitBreakerOpenTotal)
	prometheus.MustRegister(circuitBreakerRejectedTotal)
}

// InitShardMetrics initializes the per-shard series to 0 so they appear in
// Prometheus before the first pass.
func InitShardMetrics(shard string) {
	queueFiles.WithLabelValues(shard).Set(0)
	queueBytes.WithLabelValues(shard).Set(0)
	passPendingFiles.WithLabelValues(shard).Set(0)
	backoffSeconds.WithLabelValues(shard).Set(0)
	blocked.WithLabelValues(shard).Set(0)
	sentFilesTotal.WithLabelValues(shard).Add(0)
	sentRowsTotal.WithLabelValues(shard).Add(0)
	sentBytesTotal.WithLabelValues(shard).Add(0)
	sentBatchesTotal.WithLabelValues(shard).Add(0)
	brokenFilesTotal.WithLabelValues(shard).Add(0)
	for _, typ := range []string{"network", "timeout", "remote", "unreadable", "malformed", "canceled", "io"} {
		sendErrorsTotal.WithLabelValues(shard, typ).Add(0)
	}
}

// DeleteShardMetrics removes every series of a dropped shard.
func DeleteShardMetrics(shard string) {
	labels := prometheus.Labels{"shard": shard}
	queueFiles.DeletePartialMatch(labels)
	queueBytes.DeletePartialMatch(labels)
	passPendingFiles.DeletePartialMatch(labels)
	enqueuedFilesTotal.DeletePartialMatch(labels)
	enqueuedBytesTotal.DeletePartialMatch(labels)
	sentFilesTotal.DeletePartialMatch(labels)
	sentRowsTotal.DeletePartialMatch(labels)
	sentBytesTotal.DeletePartialMatch(labels)
	sentBatchesTotal.DeletePartialMatch(labels)
	sendErrorsTotal.DeletePartialMatch(labels)
	brokenFilesTotal.DeletePartialMatch(labels)
	batchHeaderWritesTotal.DeletePartialMatch(labels)
	backoffSeconds.DeletePartialMatch(labels)
	blocked.DeletePartialMatch(labels)
	passDuration.DeletePartialMatch(labels)
}

// UpdateQueueMetrics sets the pending files and bytes of a shard queue.
func UpdateQueueMetrics(shard string, files int, bytes int64) {
	queueFiles.WithLabelValues(shard).Set(float64(files))
	queueBytes.WithLabelValues(shard).Set(float64(bytes))
}

// RecordSent records a delivered unit.
func RecordSent(shard string, files int, rows, bytes uint64, batch bool) {
	sentFilesTotal.WithLabelValues(shard).Add(float64(files))
	sentRowsTotal.WithLabelValues(shard).Add(float64(rows))
	sentBytesTotal.WithLabelValues(shard).Add(float64(bytes))
	if batch {
		sentBatchesTotal.WithLabelValues(shard).Inc()
	}
}

// IncrementSendError increments the failed send counter by error type.
func IncrementSendError(shard, errorType string) {
	sendErrorsTotal.WithLabelValues(shard, errorType).Inc()
}

// IncrementBroken increments the quarantined files counter.
func IncrementBroken(shard string) {
	brokenFilesTotal.WithLabelValues(shard).Inc()
}

// SetBackoff sets the current backoff delay.
func SetBackoff(shard string, d time.Duration) {
	backoffSeconds.WithLabelValues(shard).Set(d.Seconds())
}

// SetBlocked sets the blocked gauge of a shard.
func SetBlocked(shard string, isBlocked bool) {
	v := 0.0
	if isBlocked {
		v = 1
	}
	blocked.WithLabelValues(shard).Set(v)
}

// ObservePass records the duration of one drain pass.
func ObservePass(shard string, d time.Duration) {
	passDuration.WithLabelValues(shard).Observe(d.Seconds())
}

// SetCircuitState updates the circuit breaker state gauges of a replica.
func SetCircuitState(replica, state string) {
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		circuitBreakerState.WithLabelValues(replica, s).Set(v)
	}
}

// IncrementCircuitOpen increments the circuit breaker open counter.
func IncrementCircuitOpen(replica string) {
	circuitBreakerOpenTotal.WithLabelValues(replica).Inc()
}

// IncrementCircuitRejected increments the circuit breaker rejected counter.
func IncrementCircuitRejected(replica string) {
	circuitBreakerRejectedTotal.WithLabelValues(replica).Inc()
}

// PendingToken holds a share of the pass pending-files gauge. Files are
// released one by one as they are consumed and the remainder on ReleaseAll,
// so every exit path of a pass leaves the gauge where it started.
type PendingToken struct {
	mu    sync.Mutex
	gauge prometheus.Gauge
	held  int
}

// AcquirePending adds n files to the pass pending gauge of shard.
func AcquirePending(shard string, n int) *PendingToken {
	t := &PendingToken{gauge: passPendingFiles.WithLabelValues(shard)}
	if n > 0 {
		t.held = n
		t.gauge.Add(float64(n))
	}
	return t
}

// Release gives back up to n files.
func (t *PendingToken) Release(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.held {
		n = t.held
	}
	if n <= 0 {
		return
	}
	t.held -= n
	t.gauge.Sub(float64(n))
}

// ReleaseAll gives back every file still held. It is safe to call more than once.
func (t *PendingToken) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held > 0 {
		t.gauge.Sub(float64(t.held))
		t.held = 0
	}
}

// Held returns the number of files still held.
func (t *PendingToken) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
