// Package metrics defines the prometheus collectors of the trade
// lifecycle subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every collector the subsystem emits.
type Set struct {
	TradesCreated      prometheus.Counter
	Rejections         *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	IllegalTransitions prometheus.Counter
	TimeoutsSwept      prometheus.Counter
	SlavesPushed       prometheus.Counter
	SlavesExpired      prometheus.Counter
	JobRuns            *prometheus.CounterVec
	CommandsSent       *prometheus.CounterVec
	LateResults        prometheus.Counter
}

// New registers the collectors with reg and returns the set.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		TradesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_trades_created_total",
			Help: "Trades accepted by admission control and recorded.",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_admission_rejections_total",
			Help: "Candidate trades declined, by reason.",
		}, []string{"reason"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_trade_transitions_total",
			Help: "Successful state machine transitions, by event.",
		}, []string{"event"}),
		IllegalTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_trade_illegal_transitions_total",
			Help: "Events rejected by the transition table.",
		}),
		TimeoutsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_timeouts_swept_total",
			Help: "UNKNOWN trades cancelled by the timeout sweep.",
		}),
		SlavesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_slaves_pushed_total",
			Help: "Dependent trades published after master completion.",
		}),
		SlavesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_slaves_expired_total",
			Help: "Dependent trades cancelled for exceeding the slave delay.",
		}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_job_runs_total",
			Help: "Scheduled reconciliation job executions, by task and outcome.",
		}, []string{"task", "outcome"}),
		CommandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gateway_commands_total",
			Help: "Commands issued to the venue gateway, by type.",
		}, []string{"type"}),
		LateResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "trader_late_results_total",
			Help: "Venue results discarded because the trade was already terminal.",
		}),
	}
}

// NewNop returns a set backed by a throwaway registry, for tests.
func NewNop() *Set {
	return New(prometheus.NewRegistry())
}
