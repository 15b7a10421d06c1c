package coordinator

import (
	"context"

	"github.com/oursky/agent-fleet/pkg/protocol"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// sweep declares agents crashed once they have been silent for longer than
// the crash timeout. An agent is declared crashed at most once.
func (c *Coordinator) sweep(ctx context.Context) {
	now := c.clock.Now()
	timeout := c.config.GetCrashTimeout()

	c.lock.RLock()
	executions := lo.Values(c.executions)
	c.lock.RUnlock()

	changed := false
	for _, e := range executions {
		e.lock.Lock()
		if e.released {
			expired := now.Sub(e.finishedAt) > c.config.GetRetentionPeriod()
			e.lock.Unlock()
			if expired {
				c.prune(e)
				changed = true
			}
			continue
		}

		var crashed []string
		for _, a := range e.agents {
			if a.gone() {
				continue
			}
			if now.Sub(a.lastSeen()) > timeout {
				a.crashed = true
				a.state = protocol.AgentStateCrashed
				crashed = append(crashed, a.id)
			}
		}
		drained := e.drained()
		e.lock.Unlock()

		if len(crashed) == 0 {
			continue
		}
		changed = true
		c.metrics.crashes.Add(float64(len(crashed)))
		c.logger.Warn("agents stopped heartbeating",
			zap.String("executionID", e.id),
			zap.Strings("agentIDs", crashed),
		)

		if err := c.lifecycle.StopAgents(ctx, crashed); err != nil {
			c.logger.Error("failed to stop crashed agents", zap.Error(err), zap.String("executionID", e.id))
		}
		c.updateStatuses(ctx, e.id, crashed, protocol.AgentStateCrashed)
		for _, id := range crashed {
			c.failInFlight(ctx, e.id, id, "agent stopped heartbeating")
		}

		if drained {
			c.release(ctx, e)
		}
	}

	if changed {
		c.publish()
	}
}

func (c *Coordinator) prune(e *execution) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.executions[e.id] == e {
		c.logger.Debug("pruning execution", zap.String("executionID", e.id))
		c.remove(e)
	}
}
