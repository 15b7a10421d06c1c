package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"
)

type Agent struct {
	ID            string                     `json:"id"`
	State         protocol.AgentState        `json:"state"`
	Progress      protocol.ExecutionProgress `json:"progress"`
	RegisteredAt  time.Time                  `json:"registeredAt"`
	LastHeartbeat *time.Time                 `json:"lastHeartbeat,omitempty"`
	Crashed       bool                       `json:"crashed"`
	Terminated    bool                       `json:"terminated"`
}

type Execution struct {
	ID               string                   `json:"id"`
	Status           protocol.ExecutionStatus `json:"status"`
	Reason           string                   `json:"reason,omitempty"`
	StartedAt        time.Time                `json:"startedAt"`
	BatchesExhausted bool                     `json:"batchesExhausted"`
	FinishedAt       *time.Time               `json:"finishedAt,omitempty"`
	Agents           []Agent                  `json:"agents"`
}

// State is an immutable snapshot of every tracked execution.
type State struct {
	Executions []Execution `json:"executions"`
}

type agent struct {
	id            string
	state         protocol.AgentState
	progress      protocol.ExecutionProgress
	registeredAt  time.Time
	lastHeartbeat time.Time
	crashed       bool
	terminated    bool
}

// gone reports whether the agent will never heartbeat again.
func (a *agent) gone() bool {
	return a.crashed || a.terminated
}

func (a *agent) lastSeen() time.Time {
	if a.lastHeartbeat.IsZero() {
		return a.registeredAt
	}
	return a.lastHeartbeat
}

type execution struct {
	lock      *sync.Mutex
	id        string
	status    protocol.ExecutionStatus
	reason    string
	startedAt time.Time
	exhausted bool
	// released is set once the final status is recorded and the containers
	// are cleaned up.
	released   bool
	finishedAt time.Time
	agents     map[string]*agent
}

func newExecution(id string, agentIDs []string, now time.Time) *execution {
	e := &execution{
		lock:      new(sync.Mutex),
		id:        id,
		status:    protocol.ExecutionStatusRunning,
		startedAt: now,
		agents:    make(map[string]*agent),
	}
	for _, agentID := range agentIDs {
		e.agents[agentID] = &agent{
			id:           agentID,
			state:        protocol.AgentStateStarting,
			registeredAt: now,
		}
	}
	return e
}

// settled reports whether no agent can pick up or is still producing work.
// Must be called with the lock held.
func (e *execution) settled() bool {
	if !e.exhausted {
		return false
	}
	for _, a := range e.agents {
		if a.gone() {
			continue
		}
		if a.state != protocol.AgentStateIdle && a.state != protocol.AgentStateFinished {
			return false
		}
	}
	return true
}

// drained reports whether every agent has been terminated or has crashed.
// Must be called with the lock held.
func (e *execution) drained() bool {
	for _, a := range e.agents {
		if !a.gone() {
			return false
		}
	}
	return true
}

func (e *execution) allCrashed() bool {
	for _, a := range e.agents {
		if !a.crashed {
			return false
		}
	}
	return len(e.agents) > 0
}

func (e *execution) snapshot() Execution {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := Execution{
		ID:               e.id,
		Status:           e.status,
		Reason:           e.reason,
		StartedAt:        e.startedAt,
		BatchesExhausted: e.exhausted,
	}
	if e.released {
		t := e.finishedAt
		s.FinishedAt = &t
	}
	for _, a := range e.agents {
		var last *time.Time
		if !a.lastHeartbeat.IsZero() {
			t := a.lastHeartbeat
			last = &t
		}
		s.Agents = append(s.Agents, Agent{
			ID:            a.id,
			State:         a.state,
			Progress:      a.progress,
			RegisteredAt:  a.registeredAt,
			LastHeartbeat: last,
			Crashed:       a.crashed,
			Terminated:    a.terminated,
		})
	}
	sort.Slice(s.Agents, func(i, j int) bool { return s.Agents[i].ID < s.Agents[j].ID })
	return s
}
