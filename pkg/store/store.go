package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/defaults"
	"github.com/oursky/agent-fleet/pkg/utils/ratelimit"
	"github.com/oursky/agent-fleet/pkg/utils/tomltypes"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store is the durable record of agent statuses, test assignments and
// execution status.
type Store interface {
	AddAgents(ctx context.Context, executionID string, agentIDs []string) error
	// NextBatch assigns up to size tests to the agent and returns them in
	// order. An empty batch means the execution has no more tests to hand out.
	NextBatch(ctx context.Context, executionID string, agentID string, size int) (protocol.TestBatch, error)
	UpdateAgentStatuses(ctx context.Context, statuses []protocol.AgentStatus) error
	// FailInFlightTests marks every test assigned to the agent that has not
	// reported a result yet as failed, and returns how many were marked.
	FailInFlightTests(ctx context.Context, executionID string, agentID string, reason string) (int, error)
	SetExecutionStatus(ctx context.Context, executionID string, status protocol.ExecutionStatus, reason string) error
}

type Type string

const (
	TypeBackend  Type = "Backend"
	TypeInMemory Type = "InMemory"
)

type Config struct {
	Type        Type                `toml:"type" validate:"required,oneof=Backend InMemory"`
	BackendURL  string              `toml:"backendURL" validate:"required_if=Type Backend,omitempty,url"`
	RPS         *float64            `toml:"rps,omitempty"`
	Burst       *int                `toml:"burst,omitempty"`
	HTTPTimeout *tomltypes.Duration `toml:"httpTimeout,omitempty"`
}

func (c *Config) GetRPS() float64 {
	return defaults.Value(c.RPS, 50)
}

func (c *Config) GetBurst() int {
	return defaults.Value(c.Burst, 100)
}

func (c *Config) GetHTTPTimeout() time.Duration {
	return defaults.Value(c.HTTPTimeout.Value(), 10*time.Second)
}

func NewStore(logger *zap.Logger, config *Config) (Store, error) {
	switch config.Type {
	case TypeInMemory:
		return NewInMemoryStore(), nil

	case TypeBackend:
		client := &http.Client{
			Transport: ratelimit.NewTransport(
				http.DefaultTransport,
				rate.Limit(config.GetRPS()),
				config.GetBurst(),
			),
			Timeout: config.GetHTTPTimeout(),
		}
		return NewBackendStore(logger, client, config.BackendURL)
	}
	return nil, fmt.Errorf("invalid status store type: %s", config.Type)
}
