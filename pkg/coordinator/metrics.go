package coordinator

import (
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/channels"
	"github.com/oursky/agent-fleet/pkg/utils/promutil"

	"github.com/prometheus/client_golang/prometheus"
)

var agentStates = []protocol.AgentState{
	protocol.AgentStateStarting,
	protocol.AgentStateBusy,
	protocol.AgentStateIdle,
	protocol.AgentStateFinished,
	protocol.AgentStateCLIFailed,
	protocol.AgentStateCrashed,
}

var executionStatuses = []protocol.ExecutionStatus{
	protocol.ExecutionStatusPending,
	protocol.ExecutionStatusRunning,
	protocol.ExecutionStatusFinished,
	protocol.ExecutionStatusError,
}

type metrics struct {
	state *channels.Broadcaster[*State]

	agentState      *promutil.MetricDesc
	agentCrashed    *promutil.MetricDesc
	agentLastSeen   *promutil.MetricDesc
	executionStatus *promutil.MetricDesc

	heartbeats *prometheus.CounterVec
	crashes    prometheus.Counter
}

func newMetrics(state *channels.Broadcaster[*State], r *prometheus.Registry) *metrics {
	m := &metrics{
		state: state,

		agentState: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "fleet",
			Subsystem: "agent",
			Name:      "state",
			Help:      "Describes the last reported state of the agent.",
		}, "execution_id", "agent_id", "state"),
		agentCrashed: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "fleet",
			Subsystem: "agent",
			Name:      "crashed",
			Help:      "Describes whether the agent is considered crashed.",
		}, "execution_id", "agent_id"),
		agentLastSeen: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "fleet",
			Subsystem: "agent",
			Name:      "last_heartbeat_time",
			Help:      "Time in unix timestamp of the last heartbeat of the agent.",
		}, "execution_id", "agent_id"),
		executionStatus: promutil.NewMetricDesc(prometheus.Opts{
			Namespace: "fleet",
			Subsystem: "execution",
			Name:      "status",
			Help:      "Describes the status of the execution.",
		}, "execution_id", "status"),

		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "heartbeats_total",
			Help:      "Number of heartbeats received, by reported state.",
		}, []string{"state"}),
		crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "crashes_total",
			Help:      "Number of agents declared crashed.",
		}),
	}

	if r != nil {
		r.MustRegister(m, m.heartbeats, m.crashes)
	}
	return m
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.agentState.Desc()
	ch <- m.agentCrashed.Desc()
	ch <- m.agentLastSeen.Desc()
	ch <- m.executionStatus.Desc()
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	state := m.state.Value()
	if state == nil {
		return
	}

	for _, e := range state.Executions {
		for _, s := range executionStatuses {
			ch <- m.executionStatus.GaugeBool(e.Status == s, e.ID, string(s))
		}

		for _, a := range e.Agents {
			for _, s := range agentStates {
				ch <- m.agentState.GaugeBool(a.State == s, e.ID, a.ID, string(s))
			}
			ch <- m.agentCrashed.GaugeBool(a.Crashed, e.ID, a.ID)
			if a.LastHeartbeat != nil {
				ch <- m.agentLastSeen.Gauge(float64(a.LastHeartbeat.Unix()), e.ID, a.ID)
			}
		}
	}
}
