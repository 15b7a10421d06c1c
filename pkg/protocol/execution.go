package protocol

import (
	"strings"
)

type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "PENDING"
	ExecutionStatusRunning  ExecutionStatus = "RUNNING"
	ExecutionStatusFinished ExecutionStatus = "FINISHED"
	ExecutionStatusError    ExecutionStatus = "ERROR"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusFinished || s == ExecutionStatusError
}

type TestResultStatus string

const (
	TestStatusReadyForTesting TestResultStatus = "READY_FOR_TESTING"
	TestStatusRunning         TestResultStatus = "RUNNING"
	TestStatusPassed          TestResultStatus = "PASSED"
	TestStatusFailed          TestResultStatus = "FAILED"
	TestStatusIgnored         TestResultStatus = "IGNORED"
	TestStatusTestError       TestResultStatus = "TEST_ERROR"
	TestStatusInternalError   TestResultStatus = "INTERNAL_ERROR"
)

// InFlight reports whether a test was handed to an agent but no result has
// been recorded yet.
func (s TestResultStatus) InFlight() bool {
	return s == TestStatusReadyForTesting || s == TestStatusRunning
}

type TestDescriptor struct {
	ID         int64  `json:"id"`
	FilePath   string `json:"filePath"`
	PluginName string `json:"pluginName,omitempty"`
}

type TestBatch []TestDescriptor

// CLIArgs encodes the batch as runner arguments: the test file paths,
// space separated, in batch order.
func (b TestBatch) CLIArgs() string {
	paths := make([]string, 0, len(b))
	for _, t := range b {
		paths = append(paths, t.FilePath)
	}
	return strings.Join(paths, " ")
}

type WarningCounts struct {
	Unmatched  int64 `json:"unmatched"`
	Matched    int64 `json:"matched"`
	Expected   int64 `json:"expected"`
	Unexpected int64 `json:"unexpected"`
}

type TestExecutionResult struct {
	FilePath         string           `json:"filePath"`
	PluginName       string           `json:"pluginName"`
	AgentID          string           `json:"agentId"`
	Status           TestResultStatus `json:"status"`
	StartTimeSeconds int64            `json:"startTimeSeconds"`
	EndTimeSeconds   int64            `json:"endTimeSeconds"`
	WarningCounts
}

type DebugInfo struct {
	ExecCmd        string         `json:"execCmd,omitempty"`
	Stdout         string         `json:"stdout,omitempty"`
	Stderr         string         `json:"stderr,omitempty"`
	DurationMillis *int64         `json:"durationMillis,omitempty"`
	CountWarnings  *WarningCounts `json:"countWarnings,omitempty"`
}

type TestDebugInfo struct {
	FilePath   string           `json:"filePath"`
	PluginName string           `json:"pluginName"`
	AgentID    string           `json:"agentId"`
	Status     TestResultStatus `json:"status"`
	Message    string           `json:"message,omitempty"`
	DebugInfo  *DebugInfo       `json:"debugInfo,omitempty"`
}
