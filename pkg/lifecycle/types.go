package lifecycle

import (
	"context"
	"fmt"
)

type TestSuitesMode string

const (
	// TestSuitesModeStandard runs the shared standard suites, narrowed by
	// include filters through a generated suite manifest.
	TestSuitesModeStandard TestSuitesMode = "STANDARD"
	// TestSuitesModeContest runs the test resources as they are.
	TestSuitesModeContest TestSuitesMode = "CONTEST"
)

type Execution struct {
	ID             string         `json:"executionID" validate:"required"`
	SDK            string         `json:"sdk" validate:"required"`
	ResourcesPath  string         `json:"resourcesPath" validate:"required"`
	TestSuitesMode TestSuitesMode `json:"testSuitesMode" validate:"omitempty,oneof=STANDARD CONTEST"`
	IncludeFilters []string       `json:"includeFilters,omitempty"`
}

// RunConfiguration is the recipe shared by every agent container of one
// execution.
type RunConfiguration struct {
	ImageID  string            `json:"imageID"`
	RunCmd   []string          `json:"runCmd"`
	VolumeID string            `json:"volumeID"`
	WorkDir  string            `json:"workDir"`
	Env      map[string]string `json:"env"`
}

type ImageSpec struct {
	Tag        string
	Dockerfile string
}

type ContainerSpec struct {
	Name        string
	ExecutionID string
	ImageID     string
	Cmd         []string
	WorkDir     string
	VolumeID    string
	MountPath   string
	Env         map[string]string
}

type ImageBuilder interface {
	// FindImage returns the id of an existing image with the tag.
	FindImage(ctx context.Context, tag string) (id string, ok bool, err error)
	BuildImage(ctx context.Context, spec ImageSpec) (string, error)
}

// ContainerRuntime runs agent containers. Stopping or removing a container
// or volume that no longer exists is not an error.
type ContainerRuntime interface {
	// CreateVolume exposes the contents of dir as a volume.
	CreateVolume(ctx context.Context, name string, dir string) (string, error)
	RemoveVolume(ctx context.Context, volumeID string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// Error is a container runtime failure while operating on an execution.
type Error struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *Error) Error() string {
	if e.ExecutionID == "" {
		return fmt.Sprintf("lifecycle: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lifecycle: %s (execution %s): %v", e.Op, e.ExecutionID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
