package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the enrollment counter.
const (
	outcomeEnrolled    = "enrolled"
	outcomeRangeFailed = "range_error"
	outcomeFailed      = "failed"
)

// MetricsCollector tracks per-stage enrollment timings. Totals are kept for the
// JSON report; the same observations feed Prometheus when a registerer is given.
type MetricsCollector struct {
	mu sync.RWMutex

	enrollStartTime time.Time
	enrollEndTime   time.Time
	enrolledCount   int
	failedCount     int

	transformTotal time.Duration
	encryptTotal   time.Duration

	stageDuration *prometheus.HistogramVec
	records       *prometheus.CounterVec
}

// OperationMetrics contains timing information for one stage
type OperationMetrics struct {
	Count          int   `json:"count"`
	ProcessingTime int64 `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all stages
type MetricsResponse struct {
	StartTime time.Time        `json:"start_time"`
	EndTime   time.Time        `json:"end_time"`
	Enrolled  int              `json:"enrolled"`
	Failed    int              `json:"failed"`
	Transform OperationMetrics `json:"transform"`
	Encrypt   OperationMetrics `json:"encrypt"`
}

// NewMetricsCollector creates a collector. A nil registerer keeps metrics
// in-process only.
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "invisibleface",
				Name:      "enroll_stage_duration_seconds",
				Help:      "Duration of the enrollment stages (transform+pack, encrypt)",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"stage"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "invisibleface",
				Name:      "enroll_records_total",
				Help:      "Enrollment attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(mc.stageDuration, mc.records)
	}
	return mc
}

// RecordEnrollment records one successful enrollment
func (mc *MetricsCollector) RecordEnrollment(transform, encrypt time.Duration) {
	mc.stageDuration.WithLabelValues("transform").Observe(transform.Seconds())
	mc.stageDuration.WithLabelValues("encrypt").Observe(encrypt.Seconds())
	mc.records.WithLabelValues(outcomeEnrolled).Inc()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if mc.enrolledCount == 0 && mc.failedCount == 0 {
		mc.enrollStartTime = now
	}
	mc.enrollEndTime = now
	mc.enrolledCount++
	mc.transformTotal += transform
	mc.encryptTotal += encrypt
}

// RecordFailure records a record that could not be enrolled
func (mc *MetricsCollector) RecordFailure(rangeError bool) {
	outcome := outcomeFailed
	if rangeError {
		outcome = outcomeRangeFailed
	}
	mc.records.WithLabelValues(outcome).Inc()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	if mc.enrolledCount == 0 && mc.failedCount == 0 {
		mc.enrollStartTime = now
	}
	mc.enrollEndTime = now
	mc.failedCount++
}

// GetMetrics returns current metrics for all stages
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return MetricsResponse{
		StartTime: mc.enrollStartTime,
		EndTime:   mc.enrollEndTime,
		Enrolled:  mc.enrolledCount,
		Failed:    mc.failedCount,
		Transform: OperationMetrics{
			Count:          mc.enrolledCount,
			ProcessingTime: mc.transformTotal.Milliseconds(),
		},
		Encrypt: OperationMetrics{
			Count:          mc.enrolledCount,
			ProcessingTime: mc.encryptTotal.Milliseconds(),
		},
	}
}

// Reset clears the in-process totals. Prometheus counters are monotonic and
// are left untouched.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.enrollStartTime = time.Time{}
	mc.enrollEndTime = time.Time{}
	mc.enrolledCount = 0
	mc.failedCount = 0
	mc.transformTotal = 0
	mc.encryptTotal = 0
}
