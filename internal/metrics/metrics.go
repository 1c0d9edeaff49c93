package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting coordinator and scheduler
// activity.
type Metrics struct {
	delegationDuration  *prometheus.HistogramVec
	delegationsTotal    *prometheus.CounterVec
	breakerRejections   *prometheus.CounterVec
	pendingConfirms     prometheus.Gauge
	schedulerCycles     *prometheus.CounterVec
	schedulerTasksTotal *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created only once to avoid
// duplicate registration panics when components are instantiated multiple
// times (e.g. in unit tests).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers supply a fresh registry when unique metric names are required (for
// example in tests). Registration errors other than AlreadyRegisteredError
// panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	delegationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "delegation",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of delegations by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	delegationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "delegation",
			Name:      "total",
			Help:      "Total delegations by agent and outcome.",
		},
		[]string{"agent", "outcome"},
	)
	breakerRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Delegations rejected because an agent's circuit was open.",
		},
		[]string{"agent"},
	)
	pendingConfirms := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "confirm",
			Name:      "pending",
			Help:      "Confirmation requests currently awaiting a decision.",
		},
	)
	schedulerCycles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Scheduler cycles by result.",
		},
		[]string{"result"},
	)
	schedulerTasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Scheduled task executions by terminal status.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{
		delegationDuration, delegationsTotal, breakerRejections,
		pendingConfirms, schedulerCycles, schedulerTasksTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					delegationDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case delegationsTotal:
						delegationsTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case breakerRejections:
						breakerRejections = already.ExistingCollector.(*prometheus.CounterVec)
					case schedulerCycles:
						schedulerCycles = already.ExistingCollector.(*prometheus.CounterVec)
					case schedulerTasksTotal:
						schedulerTasksTotal = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					pendingConfirms = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		delegationDuration:  delegationDuration,
		delegationsTotal:    delegationsTotal,
		breakerRejections:   breakerRejections,
		pendingConfirms:     pendingConfirms,
		schedulerCycles:     schedulerCycles,
		schedulerTasksTotal: schedulerTasksTotal,
	}
}

// ObserveDelegation records a completed delegation attempt.
func (m *Metrics) ObserveDelegation(agent, outcome string, duration time.Duration) {
	if m == nil || m.delegationDuration == nil {
		return
	}
	m.delegationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.delegationsTotal.WithLabelValues(agent, outcome).Inc()
}

// IncBreakerRejection counts a delegation refused by an open circuit.
func (m *Metrics) IncBreakerRejection(agent string) {
	if m == nil || m.breakerRejections == nil {
		return
	}
	m.breakerRejections.WithLabelValues(agent).Inc()
}

// SetPendingConfirmations reports the current number of waiting confirmations.
func (m *Metrics) SetPendingConfirmations(n int) {
	if m == nil || m.pendingConfirms == nil {
		return
	}
	m.pendingConfirms.Set(float64(n))
}

// IncSchedulerCycle counts a scheduler cycle with the given result label.
func (m *Metrics) IncSchedulerCycle(result string) {
	if m == nil || m.schedulerCycles == nil {
		return
	}
	m.schedulerCycles.WithLabelValues(result).Inc()
}

// IncSchedulerTask counts a scheduled task reaching a terminal status.
func (m *Metrics) IncSchedulerTask(status string) {
	if m == nil || m.schedulerTasksTotal == nil {
		return
	}
	m.schedulerTasksTotal.WithLabelValues(status).Inc()
}
