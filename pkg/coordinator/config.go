package coordinator

import (
	"time"

	"github.com/oursky/agent-fleet/pkg/utils/defaults"
	"github.com/oursky/agent-fleet/pkg/utils/tomltypes"
)

type Config struct {
	Addr          *string             `toml:"addr,omitempty" validate:"omitempty,tcp_addr"`
	SweepInterval *tomltypes.Duration `toml:"sweepInterval,omitempty"`
	CrashTimeout  *tomltypes.Duration `toml:"crashTimeout,omitempty"`
	BatchSize     *int                `toml:"batchSize,omitempty" validate:"omitempty,min=1"`
	MaxReplicas   *int                `toml:"maxReplicas,omitempty" validate:"omitempty,min=1"`
	// RetentionPeriod is how long a finished execution stays visible.
	RetentionPeriod *tomltypes.Duration `toml:"retentionPeriod,omitempty"`
	// FilesDir holds the additional files served to agents when the status
	// store is in memory.
	FilesDir *string `toml:"filesDir,omitempty"`
}

func (c *Config) GetAddr() string {
	return defaults.Value(c.Addr, ":8080")
}

func (c *Config) GetSweepInterval() time.Duration {
	return defaults.Value(c.SweepInterval.Value(), 10*time.Second)
}

// GetCrashTimeout is how long an agent may stay silent before it is
// declared crashed.
func (c *Config) GetCrashTimeout() time.Duration {
	return defaults.Value(c.CrashTimeout.Value(), 20*time.Second)
}

func (c *Config) GetBatchSize() int {
	return defaults.Value(c.BatchSize, 20)
}

func (c *Config) GetMaxReplicas() int {
	return defaults.Value(c.MaxReplicas, 32)
}

func (c *Config) GetRetentionPeriod() time.Duration {
	return defaults.Value(c.RetentionPeriod.Value(), 1*time.Hour)
}

func (c *Config) GetFilesDir() string {
	return defaults.Value(c.FilesDir, "")
}
