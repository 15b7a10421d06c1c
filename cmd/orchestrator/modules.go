package main

import (
	"fmt"

	"github.com/oursky/agent-fleet/pkg/cmd"
	"github.com/oursky/agent-fleet/pkg/coordinator"
	"github.com/oursky/agent-fleet/pkg/docker"
	"github.com/oursky/agent-fleet/pkg/kube"
	"github.com/oursky/agent-fleet/pkg/kv"
	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/slack"
	"github.com/oursky/agent-fleet/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func initModules(logger *zap.Logger, config *Config) ([]cmd.Module, error) {
	registry := prometheus.NewPedanticRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	var modules []cmd.Module

	kvStore, err := kv.NewStore(logger, &config.KV)
	if err != nil {
		return nil, fmt.Errorf("cannot setup kv store: %w", err)
	}
	modules = append(modules, kvStore)

	statusStore, err := store.NewStore(logger, &config.Store)
	if err != nil {
		return nil, fmt.Errorf("cannot setup status store: %w", err)
	}

	dockerClient, err := docker.NewClient(&config.Lifecycle.Docker)
	if err != nil {
		return nil, fmt.Errorf("cannot setup docker client: %w", err)
	}
	images := docker.NewRuntime(logger, &config.Lifecycle.Docker, dockerClient)

	var runtime lifecycle.ContainerRuntime = images
	if config.Lifecycle.Runtime == lifecycle.RuntimeKubernetes {
		runtime, err = kube.NewRuntime(logger, config.Lifecycle.Kube, kvStore)
		if err != nil {
			return nil, fmt.Errorf("cannot setup kubernetes runtime: %w", err)
		}
	}

	manager := lifecycle.NewManager(logger, &config.Lifecycle.Config, images, runtime, kvStore)

	coord := coordinator.NewCoordinator(logger, &config.Coordinator, statusStore, manager, coordinator.RealClock{}, registry)
	modules = append(modules, coord)

	notifier := slack.NewNotifier(logger, &config.Slack, coord)
	modules = append(modules, notifier)

	server := coordinator.NewServer(logger, &config.Coordinator, coord, registry)
	modules = append(modules, server)

	return modules, nil
}
