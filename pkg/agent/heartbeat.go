package agent

import (
	"context"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"

	"go.uber.org/zap"
)

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.config.HeartbeatInterval
	a.logger.Info("starting heartbeat", zap.Duration("interval", interval))

	for {
		a.heartbeat(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	state, progress := a.state.Snapshot()
	resp, err := a.orchestrator.SendHeartbeat(ctx, protocol.Heartbeat{
		AgentID:           a.config.ID,
		State:             state,
		ExecutionProgress: progress,
		Timestamp:         time.Now(),
	})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("failed to send heartbeat", zap.Error(err), zap.String("state", string(state)))
		}
		return
	}

	a.handleResponse(ctx, resp)
}

func (a *Agent) handleResponse(ctx context.Context, resp protocol.HeartbeatResponse) {
	switch r := resp.(type) {
	case protocol.NewJobResponse:
		a.startJob(ctx, r.CLIArgs)

	case protocol.WaitResponse:
		if a.jobActive.Load() {
			a.logger.Warn("ignoring wait response while a job is running")
			return
		}
		a.state.Set(protocol.AgentStateIdle)

	case protocol.ContinueResponse:

	case protocol.TerminateResponse:
		a.logger.Info("terminate requested by orchestrator")
		a.Shutdown()

	default:
		a.logger.Error("unexpected heartbeat response", zap.Any("response", resp))
	}
}
