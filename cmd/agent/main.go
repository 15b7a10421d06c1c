package main

import (
	"flag"

	"github.com/oursky/agent-fleet/pkg/agent"
	"github.com/oursky/agent-fleet/pkg/cmd"
	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/runner"

	"go.uber.org/zap"
)

func main() {
	loglevel := zap.LevelFlag("loglevel", zap.InfoLevel, "log level")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(*loglevel)
	logger, _ := cfg.Build()
	defer logger.Sync()

	config, err := agent.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	r, err := runner.New(logger, config.RunnerConfig())
	if err != nil {
		logger.Fatal("failed to init runner", zap.Error(err))
	}

	backend, err := agent.NewBackendAPI(logger, config)
	if err != nil {
		logger.Fatal("failed to init backend client", zap.Error(err))
	}

	orchestrator, err := agent.NewOrchestratorAPI(config)
	if err != nil {
		logger.Fatal("failed to init orchestrator client", zap.Error(err))
	}

	a := agent.NewAgent(
		logger,
		config,
		agent.NewStateHolder(protocol.AgentStateStarting),
		backend,
		orchestrator,
		r,
	)

	if err := cmd.Run(logger, []cmd.Module{a}); err != nil {
		logger.Fatal("fatal error occurred", zap.Error(err))
	}
	logger.Info("agent terminated")
}
