package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/oursky/agent-fleet/pkg/lifecycle"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	"github.com/go-playground/assert/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

type fakeAPI struct {
	images      []image.Summary
	buildOutput string
	pushOutput  string

	buildOptions types.ImageBuildOptions
	pushed       []string
	volume       volume.CreateOptions
	config       *container.Config
	hostConfig   *container.HostConfig
	name         string
	stopErr      error
	removeErr    error
}

func (f *fakeAPI) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.buildOptions = options
	io.Copy(io.Discard, buildContext)
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildOutput))}, nil
}

func (f *fakeAPI) ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error) {
	f.pushed = append(f.pushed, ref)
	return io.NopCloser(strings.NewReader(f.pushOutput)), nil
}

func (f *fakeAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	f.volume = options
	return volume.Volume{Name: options.Name}, nil
}

func (f *fakeAPI) VolumeRemove(ctx context.Context, volumeID string, force bool) error {
	return f.removeErr
}

func (f *fakeAPI) ContainerCreate(
	ctx context.Context,
	config *container.Config,
	hostConfig *container.HostConfig,
	networkingConfig *network.NetworkingConfig,
	platform *ocispec.Platform,
	containerName string,
) (container.CreateResponse, error) {
	f.config = config
	f.hostConfig = hostConfig
	f.name = containerName
	return container.CreateResponse{ID: "c0ffee"}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return f.stopErr
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return f.removeErr
}

func TestBuildImageUsesBuildResult(t *testing.T) {
	api := &fakeAPI{
		buildOutput: `{"stream":"Step 1/2 : FROM ubuntu:22.04\n"}
{"aux":{"ID":"sha256:abc"}}
`,
	}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	id, err := r.BuildImage(context.Background(), lifecycle.ImageSpec{Tag: "fleet-base:default", Dockerfile: "FROM ubuntu:22.04\n"})
	assert.Equal(t, err, nil)
	assert.Equal(t, id, "sha256:abc")
	assert.Equal(t, api.buildOptions.Tags, []string{"fleet-base:default"})
	assert.Equal(t, len(api.pushed), 0)
}

func TestBuildImageReportsBuildErrors(t *testing.T) {
	api := &fakeAPI{
		buildOutput: `{"errorDetail":{"message":"apt-get failed"},"error":"apt-get failed"}
`,
	}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	_, err := r.BuildImage(context.Background(), lifecycle.ImageSpec{Tag: "fleet-base:default", Dockerfile: "FROM scratch\n"})
	assert.NotEqual(t, err, nil)
}

func TestBuildImagePushesToRegistry(t *testing.T) {
	api := &fakeAPI{
		buildOutput: `{"aux":{"ID":"sha256:abc"}}
`,
		pushOutput: `{"status":"Pushed"}
`,
	}
	r := NewRuntime(zap.NewNop(), &Config{Registry: "registry.local:5000"}, api)

	id, err := r.BuildImage(context.Background(), lifecycle.ImageSpec{Tag: "fleet-base:java-17", Dockerfile: "FROM eclipse-temurin:17-jdk\n"})
	assert.Equal(t, err, nil)
	assert.Equal(t, id, "registry.local:5000/fleet-base:java-17")
	assert.Equal(t, api.buildOptions.Tags, []string{"fleet-base:java-17", "registry.local:5000/fleet-base:java-17"})
	assert.Equal(t, api.pushed, []string{"registry.local:5000/fleet-base:java-17"})
}

func TestFindImage(t *testing.T) {
	api := &fakeAPI{}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	_, ok, err := r.FindImage(context.Background(), "fleet-base:default")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	api.images = []image.Summary{{ID: "sha256:abc"}}
	id, ok, err := r.FindImage(context.Background(), "fleet-base:default")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, id, "sha256:abc")
}

func TestCreateContainer(t *testing.T) {
	api := &fakeAPI{}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	id, err := r.CreateContainer(context.Background(), lifecycle.ContainerSpec{
		Name:        "agent-1",
		ExecutionID: "e1",
		ImageID:     "sha256:abc",
		Cmd:         []string{"sh", "-c", "exec ./agent"},
		WorkDir:     "/home/fleet",
		VolumeID:    "fleet-vol",
		MountPath:   "/home/fleet",
		Env:         map[string]string{"AGENT_ID": "agent-1", "AGENT_EXECUTION_ID": "e1"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, id, "c0ffee")
	assert.Equal(t, api.name, "agent-1")
	assert.Equal(t, api.config.Hostname, "agent-1")
	assert.Equal(t, api.config.Env, []string{"AGENT_EXECUTION_ID=e1", "AGENT_ID=agent-1"})
	assert.Equal(t, api.config.Labels[labelExecution], "e1")
	assert.Equal(t, api.hostConfig.Mounts[0].Source, "fleet-vol")
	assert.Equal(t, api.hostConfig.Mounts[0].Target, "/home/fleet")
}

func TestCreateVolumeBindsDirectory(t *testing.T) {
	api := &fakeAPI{}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	id, err := r.CreateVolume(context.Background(), "fleet-vol", "/var/lib/fleet/e1")
	assert.Equal(t, err, nil)
	assert.Equal(t, id, "fleet-vol")
	assert.Equal(t, api.volume.DriverOpts["device"], "/var/lib/fleet/e1")
	assert.Equal(t, api.volume.DriverOpts["o"], "bind")
}

func TestMissingObjectsAreIgnored(t *testing.T) {
	notFound := errdefs.NotFound(errors.New("no such container"))
	api := &fakeAPI{stopErr: notFound, removeErr: notFound}
	r := NewRuntime(zap.NewNop(), &Config{}, api)

	assert.Equal(t, r.StopContainer(context.Background(), "agent-1"), nil)
	assert.Equal(t, r.RemoveContainer(context.Background(), "agent-1"), nil)
	assert.Equal(t, r.RemoveVolume(context.Background(), "fleet-vol"), nil)

	api.stopErr = errors.New("daemon unavailable")
	assert.NotEqual(t, r.StopContainer(context.Background(), "agent-1"), nil)
}
