package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"caseline/internal/domain"
)

// Metrics tracks case transitions, lock contention and reference issuance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions         *prometheus.CounterVec
	LockWait            prometheus.Histogram
	LockTimeouts        prometheus.Counter
	ReferencesAllocated *prometheus.CounterVec
	InvariantBreaches   *prometheus.CounterVec
	NotifyFailures      *prometheus.CounterVec
}

// New registers all metrics on reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseline_case_transitions_total",
			Help: "Case state machine events by outcome",
		}, []string{"event", "result"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseline_case_lock_wait_seconds",
			Help:    "Time spent acquiring the case row lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "caseline_case_lock_timeouts_total",
			Help: "Lock acquisitions that gave up because the case was busy",
		}),
		ReferencesAllocated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseline_references_allocated_total",
			Help: "Reference numbers committed, by category",
		}, []string{"category"}),
		InvariantBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseline_invariant_breaches_total",
			Help: "Errors that indicate the locking discipline was bypassed",
		}, []string{"operation"}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "caseline_notify_failures_total",
			Help: "Post-commit notifications that failed to deliver",
		}, []string{"subscriber"}),
	}
}

// ObserveLockWait records one lock acquisition.
func (m *Metrics) ObserveLockWait(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
	if errors.Is(err, domain.ErrLockTimeout) {
		m.LockTimeouts.Inc()
	}
}

// ObserveTransition records the outcome of a state machine event.
func (m *Metrics) ObserveTransition(event domain.EventName, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(event), Outcome(err)).Inc()
}

func (m *Metrics) IncReference(category string) {
	if m == nil {
		return
	}
	m.ReferencesAllocated.WithLabelValues(category).Inc()
}

func (m *Metrics) IncInvariantBreach(operation string) {
	if m == nil {
		return
	}
	m.InvariantBreaches.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncNotifyFailure(subscriber string) {
	if m == nil {
		return
	}
	m.NotifyFailures.WithLabelValues(subscriber).Inc()
}

// Outcome buckets an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, domain.ErrLockTimeout):
		return "busy"
	case domain.IsInvariantBreach(err):
		return "breach"
	default:
		return "error"
	}
}
