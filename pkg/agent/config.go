package agent

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/oursky/agent-fleet/pkg/runner"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is assembled from AGENT_* environment variables plus defaults.
type Config struct {
	ID                string        `mapstructure:"id" validate:"required"`
	ExecutionID       string        `mapstructure:"execution_id" validate:"required"`
	BackendURL        string        `mapstructure:"backend_url" validate:"required,url"`
	OrchestratorURL   string        `mapstructure:"orchestrator_url" validate:"required,url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RetryAttempts     int           `mapstructure:"retry_attempts" validate:"min=0"`
	RPS               float64       `mapstructure:"rps" validate:"min=0"`
	AdditionalFiles   []string      `mapstructure:"additional_files"`
	Version           string        `mapstructure:"version"`

	CLICommand    string        `mapstructure:"cli_command" validate:"required"`
	WorkDir       string        `mapstructure:"work_dir" validate:"required"`
	ReportFormat  string        `mapstructure:"report_format" validate:"required"`
	LogType       string        `mapstructure:"log_type" validate:"required"`
	ReportFile    string        `mapstructure:"report_file" validate:"required"`
	LogFile       string        `mapstructure:"log_file" validate:"required"`
	RunnerTimeout time.Duration `mapstructure:"runner_timeout" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("id", hostname)
	v.SetDefault("execution_id", "")
	v.SetDefault("backend_url", "")
	v.SetDefault("orchestrator_url", "")
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("rps", 0)
	v.SetDefault("additional_files", []string{})
	v.SetDefault("version", "dev")

	v.SetDefault("cli_command", "./save-cli .")
	v.SetDefault("work_dir", ".")
	v.SetDefault("report_format", "json")
	v.SetDefault("log_type", "all")
	v.SetDefault("report_file", "save.out.json")
	v.SetDefault("log_file", "logs.txt")
	v.SetDefault("runner_timeout", 1*time.Hour)
}

func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})

	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) RunnerConfig() *runner.Config {
	return &runner.Config{
		Command:      c.CLICommand,
		WorkDir:      c.WorkDir,
		ReportFormat: &c.ReportFormat,
		LogType:      &c.LogType,
		ReportFile:   &c.ReportFile,
		LogFile:      &c.LogFile,
		Timeout:      &c.RunnerTimeout,
	}
}
