package diagnose

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report pipeline activity.
type Metrics struct {
	taskDuration   *prometheus.HistogramVec
	taskFailures   *prometheus.CounterVec
	requestsActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the pipeline is instantiated
// multiple times.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (for example
// in tests). Registration errors other than duplicate registration panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediscope",
			Subsystem: "diagnose",
			Name:      "task_duration_seconds",
			Help:      "Duration of each capability task.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task", "status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediscope",
			Subsystem: "diagnose",
			Name:      "task_failures_total",
			Help:      "Total number of capability tasks that failed.",
		},
		[]string{"task", "reason"},
	)
	requestsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mediscope",
			Subsystem: "diagnose",
			Name:      "requests_active",
			Help:      "Number of orchestration requests currently in flight.",
		},
	)

	collectors := []prometheus.Collector{taskDuration, taskFailures, requestsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Gauge:
					requestsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		taskDuration:   taskDuration,
		taskFailures:   taskFailures,
		requestsActive: requestsActive,
	}
}

// ObserveTaskDuration records the time spent in a task with its final status.
func (m *Metrics) ObserveTaskDuration(task TaskID, status TaskStatus, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(string(task), string(status)).Observe(duration.Seconds())
}

// IncTaskFailure increments the failure counter for the given task.
func (m *Metrics) IncTaskFailure(task TaskID, reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(string(task), reason).Inc()
}

// IncActiveRequests marks a request as in flight.
func (m *Metrics) IncActiveRequests() {
	if m == nil || m.requestsActive == nil {
		return
	}
	m.requestsActive.Inc()
}

// DecActiveRequests marks a request as finished.
func (m *Metrics) DecActiveRequests() {
	if m == nil || m.requestsActive == nil {
		return
	}
	m.requestsActive.Dec()
}
