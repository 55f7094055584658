package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the phase engine.
//
// Metrics:
//   - pm_phase_transitions_total{type} - transitions written, by transition type
//   - pm_approval_decisions_total{decision} - reviewer decisions recorded
//   - pm_approvals_completed_total{outcome} - approvals reaching a terminal status
//   - pm_gates_closed_total{result} - quality gates closed, passed or failed
//   - pm_defects_opened_total{severity} - defects raised
//   - pm_lock_timeouts_total{kind} - per-key lock waits that timed out
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TransitionsTotal       *prometheus.CounterVec
	DecisionsTotal         *prometheus.CounterVec
	ApprovalsCompleted     *prometheus.CounterVec
	GatesClosedTotal       *prometheus.CounterVec
	DefectsOpenedTotal     *prometheus.CounterVec
	DefectTransitionsTotal *prometheus.CounterVec
	LockTimeoutsTotal      *prometheus.CounterVec
}

// New registers the metrics on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_phase_transitions_total",
			Help: "Total number of phase transitions written",
		}, []string{"type"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_approval_decisions_total",
			Help: "Total number of approval step decisions recorded",
		}, []string{"decision"}),
		ApprovalsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_approvals_completed_total",
			Help: "Total number of approvals that reached a terminal status",
		}, []string{"outcome"}),
		GatesClosedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_gates_closed_total",
			Help: "Total number of quality gates closed",
		}, []string{"result"}),
		DefectsOpenedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_defects_opened_total",
			Help: "Total number of defects raised",
		}, []string{"severity"}),
		DefectTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_defect_transitions_total",
			Help: "Total number of defect status changes",
		}, []string{"to"}),
		LockTimeoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pm_lock_timeouts_total",
			Help: "Total number of per-key lock waits that timed out",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Transition(transitionType string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(transitionType).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) ApprovalCompleted(outcome string) {
	if m == nil {
		return
	}
	m.ApprovalsCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GateClosed(passed bool) {
	if m == nil {
		return
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	m.GatesClosedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DefectOpened(severity string) {
	if m == nil {
		return
	}
	m.DefectsOpenedTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) DefectTransition(to string) {
	if m == nil {
		return
	}
	m.DefectTransitionsTotal.WithLabelValues(to).Inc()
}

// LockTimeout kind is the key family (project, approval, gate, defect, code).
func (m *Metrics) LockTimeout(kind string) {
	if m == nil {
		return
	}
	m.LockTimeoutsTotal.WithLabelValues(kind).Inc()
}
