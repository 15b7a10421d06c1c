package slack

import "github.com/oursky/agent-fleet/pkg/protocol"

type Config struct {
	Disabled bool     `toml:"disabled"`
	BotToken string   `toml:"botToken" validate:"required_if=Disabled false"`
	Channels []string `toml:"channels" validate:"required_if=Disabled false"`
	// Statuses limits notifications to executions ending with these statuses.
	Statuses []protocol.ExecutionStatus `toml:"statuses,omitempty" validate:"dive,oneof=FINISHED ERROR"`
}

func (c *Config) GetStatuses() []protocol.ExecutionStatus {
	if len(c.Statuses) == 0 {
		return []protocol.ExecutionStatus{protocol.ExecutionStatusFinished, protocol.ExecutionStatusError}
	}
	return c.Statuses
}
