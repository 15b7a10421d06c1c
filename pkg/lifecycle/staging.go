package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/docker/pkg/archive"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const suiteManifestName = "save.toml"

type suiteManifest struct {
	General suiteGeneral `toml:"general"`
}

type suiteGeneral struct {
	Description string   `toml:"description"`
	SuiteName   string   `toml:"suiteName"`
	Includes    []string `toml:"includes,omitempty"`
}

func newAgentID() string {
	return "agent-" + uuid.NewString()
}

// PrepareConfiguration stages the working directory of an execution, turns
// it into a volume and resolves the base image for its SDK.
func (m *Manager) PrepareConfiguration(ctx context.Context, execution Execution) (*RunConfiguration, error) {
	if _, err := parseSDK(execution.SDK); err != nil {
		return nil, err
	}

	rec := record{
		ExecutionID: execution.ID,
		StagingDir: filepath.Join(
			m.config.StagingDir,
			fmt.Sprintf("%s-%s", tagEscaper.ReplaceAllString(execution.ID, "_"), uuid.NewString()[:8]),
		),
	}
	// Persist before staging so that a failure below can still be cleaned up.
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	logger := m.logger.With(zap.String("executionID", execution.ID), zap.String("dir", rec.StagingDir))
	logger.Info("staging execution")

	if err := m.stage(execution, rec.StagingDir); err != nil {
		return nil, fmt.Errorf("failed to stage execution %s: %w", execution.ID, err)
	}

	volumeID, err := m.runtime.CreateVolume(ctx, "fleet-"+uuid.NewString(), rec.StagingDir)
	if err != nil {
		return nil, &Error{Op: "create volume", ExecutionID: execution.ID, Err: err}
	}
	rec.VolumeID = volumeID
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	imageID, err := m.BuildBaseImage(ctx, execution.SDK)
	if err != nil {
		return nil, err
	}
	rec.ImageID = imageID
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	logger.Info("execution staged", zap.String("volumeID", volumeID), zap.String("imageID", imageID))
	return m.runConfiguration(execution, imageID, volumeID), nil
}

func (m *Manager) stage(execution Execution, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Cleaning as an absolute path keeps the source inside the resources root.
	src := filepath.Join(m.config.ResourcesRoot, filepath.Clean("/"+execution.ResourcesPath))
	archiver := archive.NewDefaultArchiver()
	if err := archiver.CopyWithTar(src, dir); err != nil {
		return fmt.Errorf("failed to copy test resources: %w", err)
	}

	if execution.TestSuitesMode == TestSuitesModeStandard {
		if err := writeSuiteManifest(execution, filepath.Join(dir, suiteManifestName)); err != nil {
			return fmt.Errorf("failed to write suite manifest: %w", err)
		}
	}

	for _, bin := range []string{m.config.AgentBinary, m.config.RunnerBinary} {
		dest := filepath.Join(dir, filepath.Base(bin))
		if err := archiver.CopyFileWithTar(bin, dest); err != nil {
			return fmt.Errorf("failed to copy %s: %w", bin, err)
		}
		if err := os.Chmod(dest, 0755); err != nil {
			return err
		}
	}
	return nil
}

func writeSuiteManifest(execution Execution, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(suiteManifest{
		General: suiteGeneral{
			Description: fmt.Sprintf("Standard test suites of execution %s", execution.ID),
			SuiteName:   "standard",
			Includes:    execution.IncludeFilters,
		},
	})
}

func (m *Manager) runConfiguration(execution Execution, imageID string, volumeID string) *RunConfiguration {
	agent := filepath.Base(m.config.AgentBinary)
	runner := filepath.Base(m.config.RunnerBinary)
	workDir := m.config.GetMountPath()

	env := map[string]string{
		"AGENT_EXECUTION_ID":       execution.ID,
		"AGENT_BACKEND_URL":        m.config.BackendURL,
		"AGENT_ORCHESTRATOR_URL":   m.config.OrchestratorURL,
		"AGENT_HEARTBEAT_INTERVAL": m.config.GetAgentHeartbeatInterval().String(),
		"AGENT_REQUEST_TIMEOUT":    m.config.GetAgentRequestTimeout().String(),
		"AGENT_RETRY_ATTEMPTS":     strconv.Itoa(m.config.GetAgentRetryAttempts()),
		"AGENT_WORK_DIR":           workDir,
		"AGENT_CLI_COMMAND":        "./" + runner + " .",
	}
	if len(m.config.AgentAdditionalFiles) > 0 {
		env["AGENT_ADDITIONAL_FILES"] = strings.Join(m.config.AgentAdditionalFiles, ",")
	}

	return &RunConfiguration{
		ImageID:  imageID,
		RunCmd:   []string{"sh", "-c", fmt.Sprintf("exec ./%s", agent)},
		VolumeID: volumeID,
		WorkDir:  workDir,
		Env:      env,
	}
}

func (m *Manager) removeStaging(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
