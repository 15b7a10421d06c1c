package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"go.uber.org/zap"
)

type Runner struct {
	logger  *zap.Logger
	config  *Config
	command *template.Template
}

type Result struct {
	ExitCode   int
	LogPath    string
	ReportPath string
	StartedAt  time.Time
	FinishedAt time.Time
}

type commandData struct {
	WorkDir    string
	ReportFile string
	LogFile    string
	Args       string
}

func New(logger *zap.Logger, config *Config) (*Runner, error) {
	tpl, err := template.New("command").Funcs(sprig.TxtFuncMap()).Parse(config.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid runner command template: %w", err)
	}

	return &Runner{
		logger:  logger.Named("runner"),
		config:  config,
		command: tpl,
	}, nil
}

func (r *Runner) LogPath() string {
	return filepath.Join(r.config.WorkDir, r.config.GetLogFile())
}

func (r *Runner) ReportPath() string {
	return filepath.Join(r.config.WorkDir, r.config.GetReportFile())
}

// CommandLine composes the base command, the caller supplied args and the
// fixed report and log flags.
func (r *Runner) CommandLine(args string) (string, error) {
	var buf bytes.Buffer
	err := r.command.Execute(&buf, commandData{
		WorkDir:    r.config.WorkDir,
		ReportFile: r.config.GetReportFile(),
		LogFile:    r.config.GetLogFile(),
		Args:       args,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render runner command: %w", err)
	}

	parts := []string{strings.TrimSpace(buf.String())}
	if args = strings.TrimSpace(args); args != "" {
		parts = append(parts, args)
	}
	parts = append(parts,
		"--report-type", r.config.GetReportFormat(),
		"--result-output", "file",
		"--report-dir", r.config.WorkDir,
		"--log", r.config.GetLogType(),
	)
	return strings.Join(parts, " "), nil
}

// Run executes the runner and waits for it to exit or for the hard timeout.
// A non-nil error means the process could not be run at all; a killed or
// failing process is reported through Result.ExitCode.
func (r *Runner) Run(ctx context.Context, args string) (*Result, error) {
	cmdline, err := r.CommandLine(args)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(r.ReportPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale report: %w", err)
	}

	logFile, err := os.Create(r.LogPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	ctx, cancel := context.WithTimeout(ctx, r.config.GetTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = r.config.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	result := &Result{
		LogPath:    r.LogPath(),
		ReportPath: r.ReportPath(),
		StartedAt:  time.Now(),
	}

	r.logger.Info("starting runner", zap.String("cmd", cmdline))
	err = cmd.Run()
	result.FinishedAt = time.Now()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("failed to run runner: %w", err)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("runner timed out", zap.Duration("timeout", r.config.GetTimeout()))
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
	}

	r.logger.Info("runner exited",
		zap.Int("exitCode", result.ExitCode),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

func (r *Result) ReadLog() ([]byte, error) {
	return os.ReadFile(r.LogPath)
}
