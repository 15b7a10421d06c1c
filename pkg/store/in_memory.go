package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/oursky/agent-fleet/pkg/protocol"

	"github.com/samber/lo"
)

type testRecord struct {
	descriptor protocol.TestDescriptor
	agentID    string
	status     protocol.TestResultStatus
	reason     string
}

type executionRecord struct {
	status protocol.ExecutionStatus
	reason string
	tests  []*testRecord
	agents map[string]protocol.AgentStatus
}

// InMemoryStore keeps executions in process memory. Executions are seeded
// with AddExecution.
type InMemoryStore struct {
	lock       *sync.Mutex
	executions map[string]*executionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		lock:       new(sync.Mutex),
		executions: make(map[string]*executionRecord),
	}
}

// AddExecution registers an execution with its tests in order. Adding an
// existing execution replaces its tests.
func (s *InMemoryStore) AddExecution(executionID string, tests []protocol.TestDescriptor) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.executions[executionID] = &executionRecord{
		status: protocol.ExecutionStatusPending,
		tests: lo.Map(tests, func(t protocol.TestDescriptor, _ int) *testRecord {
			return &testRecord{descriptor: t, status: protocol.TestStatusReadyForTesting}
		}),
		agents: make(map[string]protocol.AgentStatus),
	}
}

func (s *InMemoryStore) execution(executionID string) (*executionRecord, error) {
	e, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("unknown execution: %s", executionID)
	}
	return e, nil
}

func (s *InMemoryStore) AddAgents(ctx context.Context, executionID string, agentIDs []string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.executions[executionID]
	if !ok {
		e = &executionRecord{
			status: protocol.ExecutionStatusPending,
			agents: make(map[string]protocol.AgentStatus),
		}
		s.executions[executionID] = e
	}
	for _, id := range agentIDs {
		e.agents[id] = protocol.AgentStatus{
			AgentID:     id,
			ExecutionID: executionID,
			State:       protocol.AgentStateStarting,
		}
	}
	return nil
}

func (s *InMemoryStore) NextBatch(ctx context.Context, executionID string, agentID string, size int) (protocol.TestBatch, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, err := s.execution(executionID)
	if err != nil {
		return nil, err
	}

	var batch protocol.TestBatch
	for _, t := range e.tests {
		if len(batch) >= size {
			break
		}
		if t.agentID != "" {
			continue
		}
		t.agentID = agentID
		batch = append(batch, t.descriptor)
	}
	return batch, nil
}

func (s *InMemoryStore) UpdateAgentStatuses(ctx context.Context, statuses []protocol.AgentStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, status := range statuses {
		e, err := s.execution(status.ExecutionID)
		if err != nil {
			return err
		}
		e.agents[status.AgentID] = status
	}
	return nil
}

func (s *InMemoryStore) FailInFlightTests(ctx context.Context, executionID string, agentID string, reason string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, err := s.execution(executionID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, t := range e.tests {
		if t.agentID == agentID && t.status.InFlight() {
			t.status = protocol.TestStatusFailed
			t.reason = reason
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) SetExecutionStatus(ctx context.Context, executionID string, status protocol.ExecutionStatus, reason string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, err := s.execution(executionID)
	if err != nil {
		return err
	}
	e.status = status
	e.reason = reason
	return nil
}

// RecordResults applies uploaded results to the assigned tests, matching by
// file path and agent.
func (s *InMemoryStore) RecordResults(executionID string, results []protocol.TestExecutionResult) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, err := s.execution(executionID)
	if err != nil {
		return err
	}
	for _, r := range results {
		t, ok := lo.Find(e.tests, func(t *testRecord) bool {
			return t.descriptor.FilePath == r.FilePath && t.agentID == r.AgentID
		})
		if !ok {
			return fmt.Errorf("no test %s assigned to agent %s", r.FilePath, r.AgentID)
		}
		t.status = r.Status
	}
	return nil
}

type TestState struct {
	Descriptor protocol.TestDescriptor
	AgentID    string
	Status     protocol.TestResultStatus
	Reason     string
}

type ExecutionState struct {
	Status protocol.ExecutionStatus
	Reason string
	Tests  []TestState
	Agents map[string]protocol.AgentStatus
}

// Execution returns a copy of the stored execution.
func (s *InMemoryStore) Execution(executionID string) (ExecutionState, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.executions[executionID]
	if !ok {
		return ExecutionState{}, false
	}
	return ExecutionState{
		Status: e.status,
		Reason: e.reason,
		Tests: lo.Map(e.tests, func(t *testRecord, _ int) TestState {
			return TestState{Descriptor: t.descriptor, AgentID: t.agentID, Status: t.status, Reason: t.reason}
		}),
		Agents: lo.Assign(e.agents),
	}, true
}
