package runner

import (
	"time"

	"github.com/oursky/agent-fleet/pkg/utils/defaults"
)

type Config struct {
	// Command is a text/template (with sprig functions) rendering the base
	// command line of the runner.
	Command      string `validate:"required"`
	WorkDir      string `validate:"required"`
	ReportFormat *string
	LogType      *string
	ReportFile   *string
	LogFile      *string
	Timeout      *time.Duration
}

func (c *Config) GetReportFormat() string {
	return defaults.Value(c.ReportFormat, "json")
}

func (c *Config) GetLogType() string {
	return defaults.Value(c.LogType, "all")
}

func (c *Config) GetReportFile() string {
	return defaults.Value(c.ReportFile, "save.out.json")
}

func (c *Config) GetLogFile() string {
	return defaults.Value(c.LogFile, "logs.txt")
}

func (c *Config) GetTimeout() time.Duration {
	return defaults.Value(c.Timeout, 1*time.Hour)
}
