package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/oursky/agent-fleet/pkg/lifecycle"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	labelManaged   = "com.oursky.agent-fleet.managed"
	labelExecution = "com.oursky.agent-fleet.execution"
)

// API is the part of the Docker engine API used by Runtime.
type API interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runtime runs agents as Docker containers sharing a bind-mounted volume of
// the staging directory.
type Runtime struct {
	logger *zap.Logger
	config *Config
	api    API
}

func NewClient(config *Config) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.Host != nil {
		opts = append(opts, client.WithHost(*config.Host))
	}
	return client.NewClientWithOpts(opts...)
}

func NewRuntime(logger *zap.Logger, config *Config, api API) *Runtime {
	return &Runtime{
		logger: logger.Named("docker"),
		config: config,
		api:    api,
	}
}

func (r *Runtime) ref(tag string) string {
	if r.config.Registry == "" {
		return tag
	}
	return r.config.Registry + "/" + tag
}

func (r *Runtime) FindImage(ctx context.Context, tag string) (string, bool, error) {
	ref := r.ref(tag)
	images, err := r.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return "", false, err
	}
	if len(images) == 0 {
		return "", false, nil
	}
	if r.config.Registry != "" {
		return ref, true, nil
	}
	return images[0].ID, true, nil
}

func (r *Runtime) BuildImage(ctx context.Context, spec lifecycle.ImageSpec) (string, error) {
	buildContext, err := archive.Generate("Dockerfile", spec.Dockerfile)
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}

	ref := r.ref(spec.Tag)
	resp, err := r.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        lo.Uniq([]string{spec.Tag, ref}),
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
		Labels:      map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var id string
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, func(msg jsonmessage.JSONMessage) {
		var result types.BuildResult
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &result) == nil && result.ID != "" {
			id = result.ID
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to build %s: %w", spec.Tag, err)
	}
	r.logger.Info("image built", zap.String("tag", spec.Tag), zap.String("imageID", id))

	if r.config.Registry == "" {
		if id == "" {
			found, ok, err := r.FindImage(ctx, spec.Tag)
			if err != nil {
				return "", err
			}
			if !ok {
				return "", fmt.Errorf("built image %s not found", spec.Tag)
			}
			id = found
		}
		return id, nil
	}

	if err := r.push(ctx, ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (r *Runtime) push(ctx context.Context, ref string) error {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      r.config.RegistryUser,
		Password:      r.config.RegistryPassword,
		ServerAddress: r.config.Registry,
	})
	if err != nil {
		return err
	}

	r.logger.Info("pushing image", zap.String("ref", ref))
	rc, err := r.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

func (r *Runtime) CreateVolume(ctx context.Context, name string, dir string) (string, error) {
	vol, err := r.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		DriverOpts: map[string]string{
			"type":   "none",
			"o":      "bind",
			"device": dir,
		},
		Labels: map[string]string{labelManaged: "true"},
	})
	if err != nil {
		return "", err
	}
	return vol.Name, nil
}

func (r *Runtime) RemoveVolume(ctx context.Context, volumeID string) error {
	err := r.api.VolumeRemove(ctx, volumeID, true)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func envList(env map[string]string) []string {
	list := lo.MapToSlice(env, func(k string, v string) string {
		return k + "=" + v
	})
	sort.Strings(list)
	return list
}

func (r *Runtime) CreateContainer(ctx context.Context, spec lifecycle.ContainerSpec) (string, error) {
	resp, err := r.api.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.ImageID,
			Cmd:        spec.Cmd,
			Env:        envList(spec.Env),
			WorkingDir: spec.WorkDir,
			Hostname:   spec.Name,
			Labels: map[string]string{
				labelManaged:   "true",
				labelExecution: spec.ExecutionID,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(r.config.GetNetwork()),
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: spec.VolumeID,
				Target: spec.MountPath,
			}},
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", zap.String("name", spec.Name), zap.String("warning", w))
	}
	return resp.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	return r.api.ContainerStart(ctx, id, container.StartOptions{})
}

func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	timeout := int(r.config.GetStopTimeout().Seconds())
	err := r.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	err := r.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}
