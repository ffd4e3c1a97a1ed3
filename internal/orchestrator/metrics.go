package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting pipeline activity.
type Metrics struct {
	taskDuration  *prometheus.HistogramVec
	taskOutcomes  *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	llmCost       prometheus.Counter
	tasksActive   prometheus.Gauge
	approvalsHeld prometheus.Gauge
}

// MustNewMetrics constructs the collectors on the provided registerer,
// reusing already-registered collectors so repeated construction (tests,
// multi-agent runners) does not panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arbiter",
			Subsystem: "pipeline",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task pipeline duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	taskOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "pipeline",
			Name:      "task_outcomes_total",
			Help:      "Terminal task outcomes by kind.",
		},
		[]string{"outcome"},
	)
	breakerTrips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Circuit breaker trips by reason and severity.",
		},
		[]string{"reason", "severity"},
	)
	llmCost := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "llm",
			Name:      "cost_dollars_total",
			Help:      "Cumulative LLM spend in dollars.",
		},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "pipeline",
			Name:      "tasks_active",
			Help:      "Tasks currently executing.",
		},
	)
	approvalsHeld := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "approval",
			Name:      "tasks_held",
			Help:      "Tasks currently halted for approval.",
		},
	)

	// Reuse an existing collector on duplicate registration, mirroring
	// promauto semantics otherwise.
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	taskDuration = register(taskDuration).(*prometheus.HistogramVec)
	taskOutcomes = register(taskOutcomes).(*prometheus.CounterVec)
	breakerTrips = register(breakerTrips).(*prometheus.CounterVec)
	llmCost = register(llmCost).(prometheus.Counter)
	tasksActive = register(tasksActive).(prometheus.Gauge)
	approvalsHeld = register(approvalsHeld).(prometheus.Gauge)

	return &Metrics{
		taskDuration:  taskDuration,
		taskOutcomes:  taskOutcomes,
		breakerTrips:  breakerTrips,
		llmCost:       llmCost,
		tasksActive:   tasksActive,
		approvalsHeld: approvalsHeld,
	}
}

// ObserveTask records one finished pipeline run.
func (m *Metrics) ObserveTask(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.taskOutcomes.WithLabelValues(status).Inc()
}

// IncBreakerTrip records a breaker trip.
func (m *Metrics) IncBreakerTrip(reason, severity string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(reason, severity).Inc()
}

// AddCost accumulates LLM spend.
func (m *Metrics) AddCost(dollars float64) {
	if m == nil || dollars <= 0 {
		return
	}
	m.llmCost.Add(dollars)
}

// TaskStarted and TaskFinished bracket the active gauge.
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.tasksActive.Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m != nil {
		m.tasksActive.Dec()
	}
}

// ApprovalHeld and ApprovalReleased bracket the held gauge.
func (m *Metrics) ApprovalHeld() {
	if m != nil {
		m.approvalsHeld.Inc()
	}
}

func (m *Metrics) ApprovalReleased() {
	if m != nil {
		m.approvalsHeld.Dec()
	}
}
