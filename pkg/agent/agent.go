package agent

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/runner"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type JobRunner interface {
	Run(ctx context.Context, args string) (*runner.Result, error)
}

// Agent drives one worker: it downloads its inputs, heartbeats the
// orchestrator and runs at most one runner job at a time.
type Agent struct {
	logger       *zap.Logger
	config       *Config
	state        *StateHolder
	backend      Backend
	orchestrator Orchestrator
	runner       JobRunner

	cancelOnce *sync.Once
	cancel     context.CancelFunc
	done       chan struct{}

	group     *errgroup.Group
	jobActive atomic.Bool
}

func NewAgent(
	logger *zap.Logger,
	config *Config,
	state *StateHolder,
	backend Backend,
	orchestrator Orchestrator,
	runner JobRunner,
) *Agent {
	return &Agent{
		logger:       logger.Named("agent").With(zap.String("agentID", config.ID)),
		config:       config,
		state:        state,
		backend:      backend,
		orchestrator: orchestrator,
		runner:       runner,
		cancelOnce:   new(sync.Once),
		cancel:       func() {},
		done:         make(chan struct{}),
	}
}

// Start launches the agent under g. The agent lives until Shutdown is called,
// the orchestrator answers with TerminateResponse, or ctx is done.
func (a *Agent) Start(ctx context.Context, g *errgroup.Group) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	group, ctx := errgroup.WithContext(ctx)
	a.group = group

	g.Go(func() error {
		defer close(a.done)
		defer cancel()

		group.Go(func() error {
			a.startup(ctx)
			group.Go(func() error {
				a.heartbeatLoop(ctx)
				return nil
			})
			return nil
		})
		return group.Wait()
	})
	return nil
}

// Shutdown cancels the download, runner and heartbeat tasks.
func (a *Agent) Shutdown() {
	a.cancelOnce.Do(func() {
		a.logger.Info("shutting down")
		a.cancel()
	})
}

// Done is closed once every task of the agent has exited.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) State() *StateHolder {
	return a.state
}

func (a *Agent) startup(ctx context.Context) {
	a.state.Set(protocol.AgentStateBusy)

	a.logger.Info("downloading test resources", zap.String("executionID", a.config.ExecutionID))
	if err := a.backend.DownloadTestResources(ctx, a.config.ExecutionID, a.config.WorkDir); err != nil {
		a.logger.Error("failed to download test resources", zap.Error(err))
		a.state.Set(protocol.AgentStateCrashed)
		return
	}

	for _, name := range a.config.AdditionalFiles {
		dest := filepath.Join(a.config.WorkDir, filepath.Base(name))
		a.logger.Info("downloading additional file", zap.String("name", name))
		if err := a.backend.DownloadFile(ctx, name, dest); err != nil {
			a.logger.Error("failed to download additional file", zap.Error(err), zap.String("name", name))
			a.state.Set(protocol.AgentStateCrashed)
			return
		}
	}

	a.state.Set(protocol.AgentStateStarting)

	err := a.backend.PostVersion(ctx, protocol.AgentVersion{
		AgentID: a.config.ID,
		Version: a.config.Version,
	})
	if err != nil {
		a.logger.Warn("failed to report agent version", zap.Error(err))
	}
}
