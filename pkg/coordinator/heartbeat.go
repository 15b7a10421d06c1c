package coordinator

import (
	"context"

	"github.com/oursky/agent-fleet/pkg/protocol"

	"go.uber.org/zap"
)

// OnHeartbeat records a heartbeat and decides the agent's next action.
// Decisions for one execution are serialized, so a batch is never handed
// to two agents and the fleet is never found settled twice concurrently.
func (c *Coordinator) OnHeartbeat(ctx context.Context, hb protocol.Heartbeat) protocol.HeartbeatResponse {
	c.metrics.heartbeats.WithLabelValues(string(hb.State)).Inc()

	e, a := c.lookup(hb.AgentID)
	if a == nil {
		c.logger.Warn("heartbeat from unknown agent", zap.String("agentID", hb.AgentID))
		return protocol.TerminateResponse{}
	}

	logger := c.logger.With(
		zap.String("executionID", e.id),
		zap.String("agentID", a.id),
		zap.String("state", string(hb.State)),
	)

	e.lock.Lock()
	if a.gone() {
		e.lock.Unlock()
		return protocol.TerminateResponse{}
	}

	prev := a.state
	a.state = hb.State
	a.progress = hb.ExecutionProgress
	a.lastHeartbeat = c.clock.Now()
	e.lock.Unlock()

	if prev != hb.State {
		logger.Debug("agent state changed", zap.String("prev", string(prev)))
		c.updateStatuses(ctx, e.id, []string{a.id}, hb.State)
	}

	switch hb.State {
	case protocol.AgentStateCrashed:
		c.failInFlight(ctx, e.id, a.id, "agent crashed")
	case protocol.AgentStateCLIFailed:
		c.failInFlight(ctx, e.id, a.id, "test runner failed")
	case protocol.AgentStateFinished:
		c.failInFlight(ctx, e.id, a.id, "agent finished without reporting a result")
	}

	e.lock.Lock()
	wasGone := a.gone()
	resp := c.decide(ctx, logger, e, a)
	if _, ok := resp.(protocol.TerminateResponse); ok && !wasGone {
		if hb.State == protocol.AgentStateCrashed {
			a.crashed = true
			c.metrics.crashes.Inc()
		} else {
			a.terminated = true
		}
		logger.Info("terminating agent")
	}
	drained := e.drained()
	e.lock.Unlock()

	if drained {
		c.release(ctx, e)
	} else {
		c.publish()
	}
	return resp
}

// decide must be called with the execution lock held.
func (c *Coordinator) decide(ctx context.Context, logger *zap.Logger, e *execution, a *agent) protocol.HeartbeatResponse {
	if a.gone() {
		return protocol.TerminateResponse{}
	}

	switch a.state {
	case protocol.AgentStateCrashed:
		return protocol.TerminateResponse{}

	case protocol.AgentStateBusy:
		return protocol.ContinueResponse{}

	case protocol.AgentStateCLIFailed:
		return protocol.WaitResponse{}

	case protocol.AgentStateFinished:
		if e.settled() {
			return protocol.TerminateResponse{}
		}
		return protocol.WaitResponse{}

	case protocol.AgentStateStarting, protocol.AgentStateIdle:
		return c.assign(ctx, logger, e, a)
	}

	logger.Error("unexpected agent state")
	return protocol.ContinueResponse{}
}

func (c *Coordinator) assign(ctx context.Context, logger *zap.Logger, e *execution, a *agent) protocol.HeartbeatResponse {
	if !e.exhausted {
		batch, err := c.store.NextBatch(ctx, e.id, a.id, c.config.GetBatchSize())
		if err != nil {
			logger.Warn("failed to get next batch", zap.Error(err))
			return protocol.WaitResponse{}
		}
		if len(batch) > 0 {
			logger.Info("assigning batch", zap.Int("size", len(batch)))
			// The agent reports BUSY on its next heartbeat; until then it must
			// not count as settled.
			a.state = protocol.AgentStateBusy
			return protocol.NewJobResponse{CLIArgs: batch.CLIArgs()}
		}
		logger.Info("no more batches")
		e.exhausted = true
	}

	if e.settled() {
		return protocol.TerminateResponse{}
	}
	return protocol.WaitResponse{}
}
