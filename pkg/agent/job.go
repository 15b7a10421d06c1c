package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/runner"

	"go.uber.org/zap"
)

// startJob launches a runner job unless one is already active. A second
// NewJobResponse while a runner is active violates the protocol and is
// dropped rather than queued.
func (a *Agent) startJob(ctx context.Context, args string) {
	if a.state.Get() == protocol.AgentStateCrashed {
		a.logger.Error("ignoring new job: agent has crashed")
		return
	}
	if !a.jobActive.CompareAndSwap(false, true) {
		a.logger.Error("ignoring new job: a runner job is already active")
		return
	}

	a.state.Set(protocol.AgentStateBusy)
	a.state.SetProgress(protocol.ExecutionProgress{})

	a.group.Go(func() error {
		defer a.jobActive.Store(false)

		state := a.runJob(ctx, args)
		if ctx.Err() != nil {
			a.logger.Info("job interrupted by shutdown")
			return nil
		}
		a.logger.Info("job completed", zap.String("state", string(state)))
		a.state.Set(state)
		return nil
	})
}

func (a *Agent) runJob(ctx context.Context, args string) protocol.AgentState {
	result, err := a.runner.Run(ctx, args)
	if err != nil {
		a.logger.Error("failed to run runner", zap.Error(err))
		return protocol.AgentStateCrashed
	}

	a.uploadLogs(ctx, result)

	if result.ExitCode != 0 {
		a.logger.Warn("runner failed", zap.Int("exitCode", result.ExitCode))
		return protocol.AgentStateCLIFailed
	}

	outcomes, err := a.readReport(result)
	if errors.Is(err, runner.ErrEmptyReport) {
		a.logger.Warn("runner exited successfully but produced no results")
		return protocol.AgentStateCLIFailed
	} else if err != nil {
		a.logger.Error("failed to read report", zap.Error(err))
		return protocol.AgentStateCrashed
	}

	if err := a.uploadResults(ctx, outcomes); err != nil {
		a.logger.Error("failed to upload results", zap.Error(err))
		return protocol.AgentStateCrashed
	}

	total := len(outcomes)
	a.state.SetProgress(protocol.ExecutionProgress{
		SuccessfulTests: runner.CountPassed(outcomes),
		TotalTests:      &total,
	})
	return protocol.AgentStateFinished
}

func (a *Agent) readReport(result *runner.Result) ([]runner.Outcome, error) {
	file, err := os.Open(result.ReportPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, runner.ErrEmptyReport
	} else if err != nil {
		return nil, err
	}
	defer file.Close()

	return runner.ParseReport(file, runner.ParseOptions{
		AgentID:    a.config.ID,
		Root:       a.config.WorkDir,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	})
}

func (a *Agent) uploadResults(ctx context.Context, outcomes []runner.Outcome) error {
	results := make([]protocol.TestExecutionResult, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, o.Result)
	}

	a.logger.Info("uploading results", zap.Int("count", len(results)))
	if err := a.backend.PostResults(ctx, a.config.ExecutionID, results); err != nil {
		return err
	}

	for _, o := range outcomes {
		if err := a.backend.PostDebugInfo(ctx, a.config.ExecutionID, o.Debug); err != nil {
			return fmt.Errorf("debug info for %s: %w", o.Debug.FilePath, err)
		}
	}
	return nil
}

func (a *Agent) uploadLogs(ctx context.Context, result *runner.Result) {
	logs, err := result.ReadLog()
	if err != nil {
		a.logger.Warn("failed to read runner log", zap.Error(err))
		return
	}
	if err := a.backend.PostLogs(ctx, a.config.ID, logs); err != nil {
		a.logger.Warn("failed to upload runner log", zap.Error(err))
	}
}
