package kube

import (
	"time"

	"github.com/oursky/agent-fleet/pkg/utils/defaults"
	"github.com/oursky/agent-fleet/pkg/utils/tomltypes"
)

type Config struct {
	Namespace       string              `toml:"namespace" validate:"required"`
	ServiceAccount  *string             `toml:"serviceAccount,omitempty"`
	ImagePullPolicy *string             `toml:"imagePullPolicy,omitempty" validate:"omitempty,oneof=Always IfNotPresent Never"`
	NodeSelector    map[string]string   `toml:"nodeSelector,omitempty"`
	GracePeriod     *tomltypes.Duration `toml:"gracePeriod,omitempty"`
}

func (c *Config) GetServiceAccount() string {
	return defaults.Value(c.ServiceAccount, "")
}

func (c *Config) GetImagePullPolicy() string {
	return defaults.Value(c.ImagePullPolicy, "IfNotPresent")
}

func (c *Config) GetGracePeriod() time.Duration {
	return defaults.Value(c.GracePeriod.Value(), 10*time.Second)
}
