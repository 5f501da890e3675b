package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus instrumentation this gateway emits
// across its request lifecycle: requests received, policy decisions,
// approval outcomes, and dispatch latency.
type Metrics struct {
	ToolRequestCounter   *prometheus.CounterVec
	PolicyDecisionCounter *prometheus.CounterVec
	ApprovalCounter      *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	DispatchErrorCounter *prometheus.CounterVec
	PendingApprovals     prometheus.Gauge
	ConnectedAgents      prometheus.Gauge
}

// NewMetrics registers this gateway's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_tool_requests_total",
			Help: "Total tool_request messages processed, by tool name.",
		}, []string{"tool"}),
		PolicyDecisionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_policy_decisions_total",
			Help: "Policy decisions, by tool and decision.",
		}, []string{"tool", "decision"}),
		ApprovalCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_approval_outcomes_total",
			Help: "Approval outcomes, by tool and outcome (approved, denied, timed_out).",
		}, []string{"tool", "outcome"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeep_dispatch_duration_seconds",
			Help:    "Backend dispatch latency, by tool.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		DispatchErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_dispatch_errors_total",
			Help: "Backend dispatch failures, by tool.",
		}, []string{"tool"}),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_pending_approvals",
			Help: "Current count of outstanding ASK approvals.",
		}),
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeep_connected_agents",
			Help: "1 if an agent session currently holds the connection singleton, else 0.",
		}),
	}
}
