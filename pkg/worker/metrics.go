package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the teacher's cmd/worker/main.go Prometheus vectors
// (tasksProcessed/taskDuration/queueDepth), generalized from one hardcoded
// task-type label set to this system's queue/status labels. Registered
// against a caller-supplied *prometheus.Registry instead of the global
// default registry so multiple Loop instances (as in tests) don't collide
// on duplicate registration.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	reclaimed *prometheus.CounterVec
	depth     *prometheus.GaugeVec
}

// NewMetrics registers this package's instruments against reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskqueue_processed_total",
			Help: "Total tasks processed, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskqueue_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskqueue_reclaimed_total",
			Help: "Total tasks reclaimed from active back to queued after an expired heartbeat.",
		}, []string{"queue"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskqueue_queue_depth",
			Help: "Sorted-set cardinality per queue and status.",
		}, []string{"queue", "status"}),
	}

	reg.MustRegister(m.processed, m.duration, m.reclaimed, m.depth)
	return m
}

func (m *Metrics) recordResult(queue string, success bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	m.processed.WithLabelValues(queue, outcome).Inc()
	m.duration.WithLabelValues(queue).Observe(seconds)
}

func (m *Metrics) recordReclaim(queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) setDepth(queue, status string, n int64) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(queue, status).Set(float64(n))
}
