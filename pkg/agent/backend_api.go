package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"
	"github.com/oursky/agent-fleet/pkg/utils/httputil"
	"github.com/oursky/agent-fleet/pkg/utils/ratelimit"

	"github.com/docker/docker/pkg/archive"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Backend interface {
	DownloadTestResources(ctx context.Context, executionID string, dir string) error
	DownloadFile(ctx context.Context, name string, dest string) error
	PostVersion(ctx context.Context, version protocol.AgentVersion) error
	PostResults(ctx context.Context, executionID string, results []protocol.TestExecutionResult) error
	PostDebugInfo(ctx context.Context, executionID string, info protocol.TestDebugInfo) error
	PostLogs(ctx context.Context, agentID string, logs []byte) error
}

type backendAPI struct {
	logger  *zap.Logger
	client  *http.Client
	base    url.URL
	retries int
}

func NewBackendAPI(logger *zap.Logger, config *Config) (Backend, error) {
	base, err := url.Parse(config.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}

	return &backendAPI{
		logger: logger.Named("backend-api"),
		client: &http.Client{
			Transport: ratelimit.NewTransport(http.DefaultTransport, rate.Limit(config.RPS), 10),
			Timeout:   config.RequestTimeout,
		},
		base:    *base,
		retries: config.RetryAttempts,
	}, nil
}

func (b *backendAPI) url(p string, query url.Values) string {
	u := b.base
	u.Path = path.Join(u.Path, p)
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends the request built by newRequest, retrying network failures and
// 5xx responses. The caller owns the returned body.
func (b *backendAPI) do(ctx context.Context, newRequest func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		r, err := newRequest()
		if err != nil {
			return nil, err
		}

		resp, err := b.client.Do(r)
		if err != nil {
			lastErr = err
		} else if err := httputil.CheckStatus(resp); err != nil {
			resp.Body.Close()
			lastErr = err
			if resp.StatusCode < 500 {
				return nil, err
			}
		} else {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Warn("backend request failed",
			zap.Error(lastErr),
			zap.String("url", r.URL.String()),
			zap.Int("attempt", attempt+1),
		)
	}
	return nil, lastErr
}

func (b *backendAPI) postJSON(ctx context.Context, p string, query url.Values, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url(p, query), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *backendAPI) get(ctx context.Context, p string, query url.Values) (*http.Response, error) {
	return b.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, b.url(p, query), nil)
	})
}

func (b *backendAPI) DownloadTestResources(ctx context.Context, executionID string, dir string) error {
	resp, err := b.get(ctx, "internal/files/download-resources", url.Values{"executionId": {executionID}})
	if err != nil {
		return fmt.Errorf("failed to download test resources: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := archive.Untar(resp.Body, dir, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("failed to unpack test resources: %w", err)
	}
	return nil
}

func (b *backendAPI) DownloadFile(ctx context.Context, name string, dest string) error {
	resp, err := b.get(ctx, "internal/files/download", url.Values{"name": {name}})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	_, err = io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return nil
}

func (b *backendAPI) PostVersion(ctx context.Context, version protocol.AgentVersion) error {
	return b.postJSON(ctx, "internal/agents/version", nil, version)
}

func (b *backendAPI) PostResults(ctx context.Context, executionID string, results []protocol.TestExecutionResult) error {
	if len(results) == 0 {
		return errors.New("no results to upload")
	}
	return b.postJSON(ctx, "internal/test-executions/save-results", url.Values{"executionId": {executionID}}, results)
}

func (b *backendAPI) PostDebugInfo(ctx context.Context, executionID string, info protocol.TestDebugInfo) error {
	return b.postJSON(ctx, "internal/files/debug-info", url.Values{
		"executionId": {executionID},
		"agentId":     {info.AgentID},
	}, info)
}

func (b *backendAPI) PostLogs(ctx context.Context, agentID string, logs []byte) error {
	resp, err := b.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost,
			b.url("internal/logs/"+url.PathEscape(agentID), nil),
			bytes.NewReader(logs))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "text/plain")
		return r, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
