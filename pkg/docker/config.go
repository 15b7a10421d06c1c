package docker

import (
	"time"

	"github.com/oursky/agent-fleet/pkg/utils/defaults"
	"github.com/oursky/agent-fleet/pkg/utils/tomltypes"
)

type Config struct {
	// Host overrides DOCKER_HOST.
	Host *string `toml:"host,omitempty"`
	// Registry, when set, receives every built image; containers are then
	// created from the pushed reference.
	Registry         string              `toml:"registry,omitempty"`
	RegistryUser     string              `toml:"registryUser,omitempty" validate:"required_with=RegistryPassword"`
	RegistryPassword string              `toml:"registryPassword,omitempty"`
	Network          *string             `toml:"network,omitempty"`
	StopTimeout      *tomltypes.Duration `toml:"stopTimeout,omitempty"`
}

func (c *Config) GetNetwork() string {
	return defaults.Value(c.Network, "")
}

func (c *Config) GetStopTimeout() time.Duration {
	return defaults.Value(c.StopTimeout.Value(), 10*time.Second)
}
