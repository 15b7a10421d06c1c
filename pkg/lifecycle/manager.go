package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oursky/agent-fleet/pkg/kv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var kvNamespace = kv.RegisterNamespace("lifecycle-executions")

// record tracks everything allocated for an execution so that it can be
// released, also after a restart.
type record struct {
	ExecutionID string   `json:"executionID"`
	ImageID     string   `json:"imageID,omitempty"`
	VolumeID    string   `json:"volumeID,omitempty"`
	StagingDir  string   `json:"stagingDir,omitempty"`
	AgentIDs    []string `json:"agentIDs,omitempty"`
}

// Manager builds images and runs the agent containers of executions.
// Agent containers are named after their agent ids.
type Manager struct {
	logger  *zap.Logger
	config  *Config
	images  ImageBuilder
	runtime ContainerRuntime
	kv      kv.Store
	builds  *singleflight.Group

	lock     *sync.Mutex
	records  map[string]*record
	stopping map[string]struct{}
}

func NewManager(logger *zap.Logger, config *Config, images ImageBuilder, runtime ContainerRuntime, store kv.Store) *Manager {
	return &Manager{
		logger:   logger.Named("lifecycle"),
		config:   config,
		images:   images,
		runtime:  runtime,
		kv:       store,
		builds:   new(singleflight.Group),
		lock:     new(sync.Mutex),
		records:  make(map[string]*record),
		stopping: make(map[string]struct{}),
	}
}

func (m *Manager) load(ctx context.Context, executionID string) (record, bool, error) {
	m.lock.Lock()
	rec, ok := m.records[executionID]
	m.lock.Unlock()
	if ok {
		return *rec, true, nil
	}

	value, err := m.kv.Get(ctx, kvNamespace, executionID)
	if err != nil {
		return record{}, false, fmt.Errorf("failed to load execution record: %w", err)
	}
	if value == "" {
		return record{}, false, nil
	}

	var r record
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return record{}, false, fmt.Errorf("invalid execution record: %w", err)
	}

	m.lock.Lock()
	m.records[executionID] = &r
	m.lock.Unlock()
	return r, true, nil
}

func (m *Manager) save(ctx context.Context, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	m.lock.Lock()
	m.records[r.ExecutionID] = &r
	m.lock.Unlock()

	if err := m.kv.Set(ctx, kvNamespace, r.ExecutionID, string(data)); err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}
	return nil
}

func (m *Manager) forget(ctx context.Context, executionID string) error {
	m.lock.Lock()
	delete(m.records, executionID)
	m.lock.Unlock()

	return m.kv.Delete(ctx, kvNamespace, executionID)
}

// CreateContainers creates replicas agent containers sharing the image and
// volume of config, and returns their agent ids.
func (m *Manager) CreateContainers(ctx context.Context, executionID string, config *RunConfiguration, replicas int) ([]string, error) {
	rec, ok, err := m.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		rec = record{ExecutionID: executionID, ImageID: config.ImageID, VolumeID: config.VolumeID}
	}

	var created []string
	for i := 0; i < replicas; i++ {
		agentID := newAgentID()

		env := make(map[string]string, len(config.Env)+1)
		for k, v := range config.Env {
			env[k] = v
		}
		env["AGENT_ID"] = agentID

		containerID, err := m.runtime.CreateContainer(ctx, ContainerSpec{
			Name:        agentID,
			ExecutionID: executionID,
			ImageID:     config.ImageID,
			Cmd:         config.RunCmd,
			WorkDir:     config.WorkDir,
			VolumeID:    config.VolumeID,
			MountPath:   config.WorkDir,
			Env:         env,
		})
		if err != nil {
			rec.AgentIDs = append(rec.AgentIDs, created...)
			if saveErr := m.save(ctx, rec); saveErr != nil {
				m.logger.Warn("failed to save execution record", zap.Error(saveErr))
			}
			return nil, &Error{Op: "create container", ExecutionID: executionID, Err: err}
		}

		m.logger.Debug("container created",
			zap.String("executionID", executionID),
			zap.String("agentID", agentID),
			zap.String("containerID", containerID),
		)
		created = append(created, agentID)
	}

	rec.AgentIDs = append(rec.AgentIDs, created...)
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.Info("containers created",
		zap.String("executionID", executionID),
		zap.Strings("agentIDs", created),
	)
	return created, nil
}

// Start starts every agent container of the execution without waiting for
// the agents to come up.
func (m *Manager) Start(ctx context.Context, executionID string) error {
	rec, ok, err := m.load(ctx, executionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown execution: %s", executionID)
	}

	var errs error
	for _, id := range rec.AgentIDs {
		if err := m.runtime.StartContainer(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if errs != nil {
		return &Error{Op: "start containers", ExecutionID: executionID, Err: errs}
	}

	m.logger.Info("execution started", zap.String("executionID", executionID), zap.Int("replicas", len(rec.AgentIDs)))
	return nil
}

func (m *Manager) stopContainers(ctx context.Context, agentIDs []string) error {
	var errs error
	for _, id := range agentIDs {
		if err := m.runtime.StopContainer(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errs
}

func (m *Manager) StopAgents(ctx context.Context, agentIDs []string) error {
	m.logger.Info("stopping agents", zap.Strings("agentIDs", agentIDs))
	if err := m.stopContainers(ctx, agentIDs); err != nil {
		return &Error{Op: "stop agents", Err: err}
	}
	return nil
}

// Stop stops every agent container of the execution. While a stop of the
// same execution is in progress, Stop returns immediately with
// alreadyInProgress set.
func (m *Manager) Stop(ctx context.Context, executionID string) (alreadyInProgress bool, err error) {
	m.lock.Lock()
	if _, ok := m.stopping[executionID]; ok {
		m.lock.Unlock()
		m.logger.Info("stop already in progress", zap.String("executionID", executionID))
		return true, nil
	}
	m.stopping[executionID] = struct{}{}
	m.lock.Unlock()

	defer func() {
		m.lock.Lock()
		delete(m.stopping, executionID)
		m.lock.Unlock()
	}()

	rec, ok, err := m.load(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	m.logger.Info("stopping execution", zap.String("executionID", executionID))
	if err := m.stopContainers(ctx, rec.AgentIDs); err != nil {
		return false, &Error{Op: "stop containers", ExecutionID: executionID, Err: err}
	}
	return false, nil
}

// Cleanup removes the containers, volume and staging directory of the
// execution. Cleaning up an unknown or already cleaned up execution is a
// no-op.
func (m *Manager) Cleanup(ctx context.Context, executionID string) error {
	rec, ok, err := m.load(ctx, executionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var errs error
	for _, id := range rec.AgentIDs {
		if err := m.runtime.RemoveContainer(ctx, id); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if errs == nil && rec.VolumeID != "" {
		if err := m.runtime.RemoveVolume(ctx, rec.VolumeID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("volume %s: %w", rec.VolumeID, err))
		}
	}
	if errs != nil {
		return &Error{Op: "cleanup", ExecutionID: executionID, Err: errs}
	}

	if err := m.removeStaging(rec.StagingDir); err != nil {
		m.logger.Warn("failed to remove staging directory", zap.Error(err), zap.String("dir", rec.StagingDir))
	}

	m.logger.Info("execution cleaned up", zap.String("executionID", executionID))
	return m.forget(ctx, executionID)
}
