package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/store"
	"github.com/oursky/agent-fleet/pkg/utils/channels"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Lifecycle manages the containers hosting the agents of an execution.
type Lifecycle interface {
	PrepareConfiguration(ctx context.Context, execution lifecycle.Execution) (*lifecycle.RunConfiguration, error)
	CreateContainers(ctx context.Context, executionID string, config *lifecycle.RunConfiguration, replicas int) ([]string, error)
	Start(ctx context.Context, executionID string) error
	StopAgents(ctx context.Context, agentIDs []string) error
	Stop(ctx context.Context, executionID string) (alreadyInProgress bool, err error)
	Cleanup(ctx context.Context, executionID string) error
}

// Coordinator answers heartbeats of every agent of every in-flight
// execution and detects agents that stopped heartbeating.
type Coordinator struct {
	logger    *zap.Logger
	config    *Config
	store     store.Store
	lifecycle Lifecycle
	clock     Clock
	metrics   *metrics

	lock       *sync.RWMutex
	executions map[string]*execution
	agents     map[string]string

	state *channels.Broadcaster[*State]
}

func NewCoordinator(
	logger *zap.Logger,
	config *Config,
	store store.Store,
	lifecycle Lifecycle,
	clock Clock,
	registry *prometheus.Registry,
) *Coordinator {
	c := &Coordinator{
		logger:     logger.Named("coordinator"),
		config:     config,
		store:      store,
		lifecycle:  lifecycle,
		clock:      clock,
		lock:       new(sync.RWMutex),
		executions: make(map[string]*execution),
		agents:     make(map[string]string),
		state:      channels.NewBroadcaster(&State{}),
	}
	c.metrics = newMetrics(c.state, registry)
	return c
}

func (c *Coordinator) State() *channels.Broadcaster[*State] {
	return c.state
}

func (c *Coordinator) Start(ctx context.Context, g *errgroup.Group) error {
	g.Go(func() error {
		c.run(ctx)
		return nil
	})
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	interval := c.config.GetSweepInterval()
	c.logger.Info("starting crash sweep",
		zap.Duration("interval", interval),
		zap.Duration("timeout", c.config.GetCrashTimeout()),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}

		c.sweep(ctx)
	}
}

// Register starts tracking the agents of an execution.
func (c *Coordinator) Register(ctx context.Context, executionID string, agentIDs []string) error {
	c.lock.Lock()
	if e, ok := c.executions[executionID]; ok {
		e.lock.Lock()
		released := e.released
		e.lock.Unlock()
		if !released {
			c.lock.Unlock()
			return fmt.Errorf("execution %s is already running", executionID)
		}
		c.remove(e)
	}
	for _, id := range agentIDs {
		if owner, ok := c.agents[id]; ok {
			c.lock.Unlock()
			return fmt.Errorf("agent %s already belongs to execution %s", id, owner)
		}
	}

	c.executions[executionID] = newExecution(executionID, agentIDs, c.clock.Now())
	for _, id := range agentIDs {
		c.agents[id] = executionID
	}
	c.lock.Unlock()

	c.logger.Info("execution registered",
		zap.String("executionID", executionID),
		zap.Strings("agentIDs", agentIDs),
	)

	if err := c.store.AddAgents(ctx, executionID, agentIDs); err != nil {
		c.logger.Warn("failed to record agents", zap.Error(err), zap.String("executionID", executionID))
	}
	if err := c.store.SetExecutionStatus(ctx, executionID, protocol.ExecutionStatusRunning, ""); err != nil {
		c.logger.Warn("failed to update execution status", zap.Error(err), zap.String("executionID", executionID))
	}

	c.publish()
	return nil
}

func (c *Coordinator) lookup(agentID string) (*execution, *agent) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	e, ok := c.executions[c.agents[agentID]]
	if !ok {
		return nil, nil
	}
	return e, e.agents[agentID]
}

func (c *Coordinator) execution(executionID string) (*execution, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	e, ok := c.executions[executionID]
	return e, ok
}

// Execution returns a snapshot of a tracked execution.
func (c *Coordinator) Execution(executionID string) (Execution, bool) {
	e, ok := c.execution(executionID)
	if !ok {
		return Execution{}, false
	}
	return e.snapshot(), true
}

// Abort terminates every agent of the execution and ends it with an error.
func (c *Coordinator) Abort(ctx context.Context, executionID string, reason string) error {
	e, ok := c.execution(executionID)
	if !ok {
		return fmt.Errorf("unknown execution: %s", executionID)
	}

	e.lock.Lock()
	var agentIDs []string
	for _, a := range e.agents {
		if !a.gone() {
			a.terminated = true
			agentIDs = append(agentIDs, a.id)
		}
	}
	if !e.status.Terminal() {
		e.status = protocol.ExecutionStatusError
		e.reason = reason
	}
	e.lock.Unlock()

	for _, id := range agentIDs {
		c.failInFlight(ctx, e.id, id, reason)
	}
	c.release(ctx, e)
	return nil
}

// Forget stops tracking an execution without touching its status.
func (c *Coordinator) Forget(executionID string) {
	c.lock.Lock()
	if e, ok := c.executions[executionID]; ok {
		c.remove(e)
	}
	c.lock.Unlock()

	c.publish()
}

// remove must be called with the registry lock held.
func (c *Coordinator) remove(e *execution) {
	for id := range e.agents {
		if c.agents[id] == e.id {
			delete(c.agents, id)
		}
	}
	delete(c.executions, e.id)
}

func (c *Coordinator) failInFlight(ctx context.Context, executionID string, agentID string, reason string) {
	count, err := c.store.FailInFlightTests(ctx, executionID, agentID, reason)
	if err != nil {
		c.logger.Warn("failed to mark in-flight tests as failed",
			zap.Error(err),
			zap.String("executionID", executionID),
			zap.String("agentID", agentID),
		)
		return
	}
	if count > 0 {
		c.logger.Info("marked in-flight tests as failed",
			zap.String("executionID", executionID),
			zap.String("agentID", agentID),
			zap.Int("count", count),
			zap.String("reason", reason),
		)
	}
}

func (c *Coordinator) updateStatuses(ctx context.Context, executionID string, agentIDs []string, state protocol.AgentState) {
	statuses := make([]protocol.AgentStatus, 0, len(agentIDs))
	for _, id := range agentIDs {
		statuses = append(statuses, protocol.AgentStatus{
			AgentID:     id,
			ExecutionID: executionID,
			State:       state,
			Time:        c.clock.Now(),
		})
	}
	if err := c.store.UpdateAgentStatuses(ctx, statuses); err != nil {
		c.logger.Warn("failed to update agent statuses", zap.Error(err), zap.String("executionID", executionID))
	}
}

// release ends an execution once every agent is gone: the final status is
// recorded and its containers are cleaned up. The execution stays visible
// until the retention period passes. Releasing twice is a no-op.
func (c *Coordinator) release(ctx context.Context, e *execution) {
	e.lock.Lock()
	if e.released || !e.drained() {
		e.lock.Unlock()
		return
	}
	e.released = true
	e.finishedAt = c.clock.Now()
	if !e.status.Terminal() {
		if e.allCrashed() {
			e.status = protocol.ExecutionStatusError
			e.reason = "all agents crashed or never reported"
		} else {
			e.status = protocol.ExecutionStatusFinished
		}
	}
	status, reason := e.status, e.reason
	e.lock.Unlock()

	c.logger.Info("execution released",
		zap.String("executionID", e.id),
		zap.String("status", string(status)),
		zap.String("reason", reason),
	)

	if err := c.store.SetExecutionStatus(ctx, e.id, status, reason); err != nil {
		c.logger.Warn("failed to update execution status", zap.Error(err), zap.String("executionID", e.id))
	}
	if err := c.lifecycle.Cleanup(ctx, e.id); err != nil {
		c.logger.Error("failed to clean up execution", zap.Error(err), zap.String("executionID", e.id))
	}

	c.publish()
}

func (c *Coordinator) publish() {
	c.lock.RLock()
	executions := make([]*execution, 0, len(c.executions))
	for _, e := range c.executions {
		executions = append(executions, e)
	}
	c.lock.RUnlock()

	state := &State{}
	for _, e := range executions {
		state.Executions = append(state.Executions, e.snapshot())
	}
	sort.Slice(state.Executions, func(i, j int) bool {
		return state.Executions[i].ID < state.Executions[j].ID
	})

	c.state.Publish(state)
}
