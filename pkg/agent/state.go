package agent

import (
	"sync"

	"github.com/oursky/agent-fleet/pkg/protocol"
)

// StateHolder owns the agent state. It is handed explicitly to every
// component that reads or transitions it.
type StateHolder struct {
	lock     *sync.RWMutex
	state    protocol.AgentState
	progress protocol.ExecutionProgress
}

func NewStateHolder(initial protocol.AgentState) *StateHolder {
	return &StateHolder{
		lock:  new(sync.RWMutex),
		state: initial,
	}
}

func (h *StateHolder) Get() protocol.AgentState {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.state
}

// Set transitions to state and returns the previous state.
func (h *StateHolder) Set(state protocol.AgentState) protocol.AgentState {
	h.lock.Lock()
	defer h.lock.Unlock()

	prev := h.state
	h.state = state
	return prev
}

func (h *StateHolder) SetProgress(progress protocol.ExecutionProgress) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.progress = progress
}

func (h *StateHolder) Snapshot() (protocol.AgentState, protocol.ExecutionProgress) {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return h.state, h.progress
}
