package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"

	"go.uber.org/zap"
)

// BackendStore talks to the backend service owning test executions.
type BackendStore struct {
	logger *zap.Logger
	client *http.Client
	base   url.URL
}

func NewBackendStore(logger *zap.Logger, client *http.Client, baseURL string) (*BackendStore, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	return &BackendStore{
		logger: logger.Named("backend-store"),
		client: client,
		base:   *base,
	}, nil
}

func (s *BackendStore) url(p string, query url.Values) string {
	u := s.base
	u.Path = path.Join(u.Path, p)
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *BackendStore) call(ctx context.Context, method string, p string, query url.Values, body any, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	r, err := http.NewRequestWithContext(ctx, method, s.url(p, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := httputil.CheckStatus(resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, p, err)
	}

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, p, err)
	}
	return nil
}

func (s *BackendStore) AddAgents(ctx context.Context, executionID string, agentIDs []string) error {
	statuses := make([]protocol.AgentStatus, 0, len(agentIDs))
	for _, id := range agentIDs {
		statuses = append(statuses, protocol.AgentStatus{
			AgentID:     id,
			ExecutionID: executionID,
			State:       protocol.AgentStateStarting,
		})
	}
	return s.call(ctx, http.MethodPost, "internal/agents/insert", nil, statuses, nil)
}

func (s *BackendStore) NextBatch(ctx context.Context, executionID string, agentID string, size int) (protocol.TestBatch, error) {
	var batch protocol.TestBatch
	err := s.call(ctx, http.MethodGet, "internal/test-executions/next-batch", url.Values{
		"executionId": {executionID},
		"agentId":     {agentID},
		"size":        {strconv.Itoa(size)},
	}, nil, &batch)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *BackendStore) UpdateAgentStatuses(ctx context.Context, statuses []protocol.AgentStatus) error {
	return s.call(ctx, http.MethodPost, "internal/agents/statuses", nil, statuses, nil)
}

type failInFlightResponse struct {
	Count int `json:"count"`
}

func (s *BackendStore) FailInFlightTests(ctx context.Context, executionID string, agentID string, reason string) (int, error) {
	var resp failInFlightResponse
	err := s.call(ctx, http.MethodPost, "internal/test-executions/fail-in-flight", url.Values{
		"executionId": {executionID},
		"agentId":     {agentID},
	}, map[string]string{"reason": reason}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (s *BackendStore) SetExecutionStatus(ctx context.Context, executionID string, status protocol.ExecutionStatus, reason string) error {
	query := url.Values{
		"executionId": {executionID},
		"status":      {string(status)},
	}
	if reason != "" {
		query.Set("failReason", reason)
	}
	return s.call(ctx, http.MethodPost, "internal/executions/update-status", query, nil, nil)
}
