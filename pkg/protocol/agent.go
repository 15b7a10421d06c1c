package protocol

import (
	"time"
)

type AgentState string

const (
	AgentStateStarting  AgentState = "STARTING"
	AgentStateBusy      AgentState = "BUSY"
	AgentStateIdle      AgentState = "IDLE"
	AgentStateFinished  AgentState = "FINISHED"
	AgentStateCLIFailed AgentState = "CLI_FAILED"
	AgentStateCrashed   AgentState = "CRASHED"
)

var agentStates = []AgentState{
	AgentStateStarting,
	AgentStateBusy,
	AgentStateIdle,
	AgentStateFinished,
	AgentStateCLIFailed,
	AgentStateCrashed,
}

func (s AgentState) Valid() bool {
	for _, v := range agentStates {
		if v == s {
			return true
		}
	}
	return false
}

type ExecutionProgress struct {
	SuccessfulTests int  `json:"successfulTests"`
	TotalTests      *int `json:"totalTests,omitempty"`
}

type Heartbeat struct {
	AgentID           string            `json:"agentId" validate:"required"`
	State             AgentState        `json:"state" validate:"required"`
	ExecutionProgress ExecutionProgress `json:"executionProgress"`
	Timestamp         time.Time         `json:"timestamp"`
}

// AgentStatus is the durable record of an agent state kept by the status
// store.
type AgentStatus struct {
	AgentID     string     `json:"agentId"`
	ExecutionID string     `json:"executionId"`
	State       AgentState `json:"state"`
	Time        time.Time  `json:"time"`
}

// AgentVersion is reported by an agent once it finished starting up.
type AgentVersion struct {
	AgentID string `json:"agentId"`
	Version string `json:"version"`
}
