package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relay_billing"

// Metrics holds the service's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	revenueCharged    *prometheus.CounterVec
	sessionsPaid      prometheus.Counter
	physicalFailures  *prometheus.CounterVec
	devicesOffline    prometheus.Counter
	heartbeats        prometheus.Counter
	sweepRuns         *prometheus.CounterVec
	sweepErrors       *prometheus.CounterVec
	sweepSkipped      *prometheus.CounterVec
	sweepDuration     *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Billing sessions started, by billing mode.",
		}, []string{"mode"}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Billing sessions completed, by billing mode and end reason.",
		}, []string{"mode", "reason"}),
		revenueCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revenue_charged_units_total",
			Help:      "Computed cost of completed sessions in currency units, by billing mode.",
		}, []string{"mode"}),
		sessionsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_paid_total",
			Help:      "Billing sessions settled.",
		}),
		physicalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "physical_control_failures_total",
			Help:      "Relay actuation attempts that failed, by operation.",
		}, []string{"op"}),
		devicesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_marked_offline_total",
			Help:      "Devices flipped to offline by the liveness sweep.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Accepted device heartbeats.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Sweeper job executions, by job.",
		}, []string{"job"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Sweeper job executions that reported at least one error, by job.",
		}, []string{"job"}),
		sweepSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_skipped_total",
			Help:      "Sweeper ticks skipped because the previous run still held the lock, by job.",
		}, []string{"job"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Sweeper job latency, by job.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"job"}),
	}

	collectors := []prometheus.Collector{
		m.sessionsStarted,
		m.sessionsCompleted,
		m.revenueCharged,
		m.sessionsPaid,
		m.physicalFailures,
		m.devicesOffline,
		m.heartbeats,
		m.sweepRuns,
		m.sweepErrors,
		m.sweepSkipped,
		m.sweepDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
}

func (m *Metrics) SessionCompleted(mode, reason string, cost int64) {
	if m == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(mode, reason).Inc()
	if cost > 0 {
		m.revenueCharged.WithLabelValues(mode).Add(float64(cost))
	}
}

func (m *Metrics) SessionPaid() {
	if m == nil {
		return
	}
	m.sessionsPaid.Inc()
}

func (m *Metrics) PhysicalFailure(op string) {
	if m == nil {
		return
	}
	m.physicalFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) DevicesOffline(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.devicesOffline.Add(float64(n))
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// ObserveSweep records one sweeper job execution.
func (m *Metrics) ObserveSweep(job string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(job).Inc()
	m.sweepDuration.WithLabelValues(job).Observe(took.Seconds())
	if err != nil {
		m.sweepErrors.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) SweepSkipped(job string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(job).Inc()
}
