package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"
)

type Orchestrator interface {
	SendHeartbeat(ctx context.Context, hb protocol.Heartbeat) (protocol.HeartbeatResponse, error)
}

type orchestratorAPI struct {
	client *http.Client
	base   url.URL
}

func NewOrchestratorAPI(config *Config) (Orchestrator, error) {
	base, err := url.Parse(config.OrchestratorURL)
	if err != nil {
		return nil, fmt.Errorf("invalid orchestrator url: %w", err)
	}

	return &orchestratorAPI{
		client: &http.Client{Timeout: config.RequestTimeout},
		base:   *base,
	}, nil
}

// SendHeartbeat posts one heartbeat. It is never retried here; the
// heartbeat loop simply tries again on its next cycle.
func (o *orchestratorAPI) SendHeartbeat(ctx context.Context, hb protocol.Heartbeat) (protocol.HeartbeatResponse, error) {
	data, err := json.Marshal(hb)
	if err != nil {
		return nil, err
	}

	u := o.base
	u.Path = path.Join(u.Path, "heartbeat")
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := httputil.CheckStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalResponse(body)
}
