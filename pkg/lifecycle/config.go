package lifecycle

import (
	"time"

	"github.com/oursky/agent-fleet/pkg/utils/defaults"
	"github.com/oursky/agent-fleet/pkg/utils/tomltypes"
)

type RuntimeType string

const (
	RuntimeDocker     RuntimeType = "Docker"
	RuntimeKubernetes RuntimeType = "Kubernetes"
)

type Config struct {
	Runtime         RuntimeType `toml:"runtime" validate:"required,oneof=Docker Kubernetes"`
	ResourcesRoot   string      `toml:"resourcesRoot" validate:"required"`
	StagingDir      string      `toml:"stagingDir" validate:"required"`
	AgentBinary     string      `toml:"agentBinary" validate:"required"`
	RunnerBinary    string      `toml:"runnerBinary" validate:"required"`
	// BackendURL defaults to OrchestratorURL when the orchestrator serves
	// the backend routes itself.
	BackendURL      string      `toml:"backendURL,omitempty" validate:"omitempty,url"`
	OrchestratorURL string      `toml:"orchestratorURL" validate:"required,url"`

	ImagePrefix            *string             `toml:"imagePrefix,omitempty"`
	MountPath              *string             `toml:"mountPath,omitempty"`
	AgentHeartbeatInterval *tomltypes.Duration `toml:"agentHeartbeatInterval,omitempty"`
	AgentRequestTimeout    *tomltypes.Duration `toml:"agentRequestTimeout,omitempty"`
	AgentRetryAttempts     *int                `toml:"agentRetryAttempts,omitempty" validate:"omitempty,min=0"`
	AgentAdditionalFiles   []string            `toml:"agentAdditionalFiles,omitempty"`
	SystemPackages         []string            `toml:"systemPackages,omitempty"`
	BuildTimeout           *tomltypes.Duration `toml:"buildTimeout,omitempty"`
}

func (c *Config) GetImagePrefix() string {
	return defaults.Value(c.ImagePrefix, "agent-fleet")
}

func (c *Config) GetMountPath() string {
	return defaults.Value(c.MountPath, "/home/fleet")
}

func (c *Config) GetAgentHeartbeatInterval() time.Duration {
	return defaults.Value(c.AgentHeartbeatInterval.Value(), 10*time.Second)
}

func (c *Config) GetAgentRequestTimeout() time.Duration {
	return defaults.Value(c.AgentRequestTimeout.Value(), 60*time.Second)
}

func (c *Config) GetAgentRetryAttempts() int {
	return defaults.Value(c.AgentRetryAttempts, 3)
}

func (c *Config) GetSystemPackages() []string {
	return defaults.Slice(c.SystemPackages, []string{"ca-certificates", "curl", "libcurl4-openssl-dev", "tzdata"})
}

func (c *Config) GetBuildTimeout() time.Duration {
	return defaults.Value(c.BuildTimeout.Value(), 30*time.Minute)
}
