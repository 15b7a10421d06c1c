package runner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/oursky/agent-fleet/pkg/protocol"

	"github.com/samber/lo"
)

var ErrEmptyReport = errors.New("runner produced an empty report")

type report struct {
	TestSuite        string            `json:"testSuite"`
	PluginExecutions []pluginExecution `json:"pluginExecutions"`
}

type pluginExecution struct {
	Plugin      string       `json:"plugin"`
	TestResults []testResult `json:"testResults"`
}

type testResult struct {
	Resources struct {
		Test string `json:"test"`
	} `json:"resources"`
	Status struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"status"`
	DebugInfo *protocol.DebugInfo `json:"debugInfo"`
}

// Outcome is the per-test record extracted from a report.
type Outcome struct {
	Result protocol.TestExecutionResult
	Debug  protocol.TestDebugInfo
}

type ParseOptions struct {
	AgentID string
	// Root is the directory test resource paths are made relative to.
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ParseReport reads a runner report: a list of reports, each an ordered list
// of plugin executions carrying test results.
func ParseReport(r io.Reader, opts ParseOptions) ([]Outcome, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyReport
	}

	var reports []report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}

	var outcomes []Outcome
	for _, rep := range reports {
		for _, exec := range rep.PluginExecutions {
			for _, tr := range exec.TestResults {
				outcomes = append(outcomes, newOutcome(exec.Plugin, tr, opts))
			}
		}
	}
	if len(outcomes) == 0 {
		return nil, ErrEmptyReport
	}
	return outcomes, nil
}

func newOutcome(plugin string, tr testResult, opts ParseOptions) Outcome {
	path := tr.Resources.Test
	if opts.Root != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(opts.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	path = filepath.ToSlash(path)

	status := mapStatus(tr.Status.Type)

	var counts protocol.WarningCounts
	if tr.DebugInfo != nil && tr.DebugInfo.CountWarnings != nil {
		counts = *tr.DebugInfo.CountWarnings
	}

	message := tr.Status.Message
	if message == "" {
		message = tr.Status.Reason
	}

	return Outcome{
		Result: protocol.TestExecutionResult{
			FilePath:         path,
			PluginName:       plugin,
			AgentID:          opts.AgentID,
			Status:           status,
			StartTimeSeconds: opts.StartedAt.Unix(),
			EndTimeSeconds:   opts.FinishedAt.Unix(),
			WarningCounts:    counts,
		},
		Debug: protocol.TestDebugInfo{
			FilePath:   path,
			PluginName: plugin,
			AgentID:    opts.AgentID,
			Status:     status,
			Message:    message,
			DebugInfo:  tr.DebugInfo,
		},
	}
}

// mapStatus accepts both short and fully qualified status type names.
func mapStatus(t string) protocol.TestResultStatus {
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	switch t {
	case "Pass":
		return protocol.TestStatusPassed
	case "Fail":
		return protocol.TestStatusFailed
	case "Ignored":
		return protocol.TestStatusIgnored
	case "Crash":
		return protocol.TestStatusTestError
	}
	return protocol.TestStatusInternalError
}

func CountPassed(outcomes []Outcome) int {
	return lo.CountBy(outcomes, func(o Outcome) bool {
		return o.Result.Status == protocol.TestStatusPassed
	})
}
