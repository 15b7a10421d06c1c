package main

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/oursky/agent-fleet/pkg/coordinator"
	"github.com/oursky/agent-fleet/pkg/docker"
	"github.com/oursky/agent-fleet/pkg/kube"
	"github.com/oursky/agent-fleet/pkg/kv"
	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/slack"
	"github.com/oursky/agent-fleet/pkg/store"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Coordinator coordinator.Config `toml:"coordinator"`
	Lifecycle   LifecycleConfig    `toml:"lifecycle"`
	Store       store.Config       `toml:"store"`
	KV          kv.Config          `toml:"kv"`
	Slack       slack.Config       `toml:"slack"`
}

type LifecycleConfig struct {
	lifecycle.Config
	// Docker always builds the agent images, whichever runtime runs them.
	Docker docker.Config `toml:"docker"`
	Kube   *kube.Config  `toml:"kube,omitempty"`
}

func NewConfig(path string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Lifecycle.BackendURL == "" {
		if config.Store.Type != store.TypeInMemory {
			return nil, fmt.Errorf("invalid config: lifecycle.backendURL is required with the %s store", config.Store.Type)
		}
		config.Lifecycle.BackendURL = config.Lifecycle.OrchestratorURL
	}

	if config.Lifecycle.Runtime == lifecycle.RuntimeKubernetes {
		if config.Lifecycle.Kube == nil {
			return nil, fmt.Errorf("invalid config: lifecycle.kube is required for the %s runtime", config.Lifecycle.Runtime)
		}
		if config.Lifecycle.Docker.Registry == "" {
			return nil, fmt.Errorf("invalid config: lifecycle.docker.registry is required for the %s runtime", config.Lifecycle.Runtime)
		}
	}

	return &config, nil
}
