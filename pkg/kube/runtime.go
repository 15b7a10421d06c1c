package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/oursky/agent-fleet/pkg/kv"
	"github.com/oursky/agent-fleet/pkg/lifecycle"
	"github.com/oursky/agent-fleet/pkg/utils/kubeutil"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/pointer"
)

const (
	labelManaged        = "agent-fleet.oursky.com/managed"
	labelExecution      = "agent-fleet.oursky.com/execution"
	annotationExecution = "agent-fleet.oursky.com/execution-id"
)

const annotationSafeToEvict = "cluster-autoscaler.kubernetes.io/safe-to-evict"

const volumeName = "workspace"

var kvNamespace = kv.RegisterNamespace("kube-pending-pods")

var labelValueEscaper = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Runtime runs agents as pods. Volumes are host paths of the staging
// directory, so the orchestrator must share its staging directory with the
// nodes. A pod is only created when its container is started; until then
// its spec is kept in the kv store.
type Runtime struct {
	logger *zap.Logger
	config *Config
	kube   kubernetes.Interface
	kv     kv.Store
}

func NewRuntime(logger *zap.Logger, config *Config, store kv.Store) (*Runtime, error) {
	kube, err := kubeutil.NewClientset()
	if err != nil {
		return nil, err
	}
	return newRuntime(logger, config, kube, store), nil
}

func newRuntime(logger *zap.Logger, config *Config, kube kubernetes.Interface, store kv.Store) *Runtime {
	return &Runtime{
		logger: logger.Named("kube"),
		config: config,
		kube:   kube,
		kv:     store,
	}
}

func (r *Runtime) CreateVolume(ctx context.Context, name string, dir string) (string, error) {
	return dir, nil
}

// RemoveVolume is a no-op: the host path is the staging directory, which is
// removed by the lifecycle manager.
func (r *Runtime) RemoveVolume(ctx context.Context, volumeID string) error {
	return nil
}

func executionLabel(executionID string) string {
	v := labelValueEscaper.ReplaceAllString(executionID, "_")
	if len(v) > 63 {
		v = v[:63]
	}
	return v
}

func (r *Runtime) podSpec(spec lifecycle.ContainerSpec) *corev1.Pod {
	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: r.config.Namespace,
			Labels: map[string]string{
				labelManaged:   "true",
				labelExecution: executionLabel(spec.ExecutionID),
			},
			Annotations: map[string]string{
				annotationExecution:   spec.ExecutionID,
				annotationSafeToEvict: "false",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			ServiceAccountName:            r.config.GetServiceAccount(),
			AutomountServiceAccountToken:  pointer.Bool(false),
			TerminationGracePeriodSeconds: pointer.Int64(int64(r.config.GetGracePeriod().Seconds())),
			NodeSelector:                  r.config.NodeSelector,
			Hostname:                      spec.Name,
			Containers: []corev1.Container{{
				Name:            "agent",
				Image:           spec.ImageID,
				ImagePullPolicy: corev1.PullPolicy(r.config.GetImagePullPolicy()),
				Command:         spec.Cmd,
				WorkingDir:      spec.WorkDir,
				Env:             env,
				VolumeMounts: []corev1.VolumeMount{{
					Name:      volumeName,
					MountPath: spec.MountPath,
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: volumeName,
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{Path: spec.VolumeID},
				},
			}},
		},
	}
}

func (r *Runtime) CreateContainer(ctx context.Context, spec lifecycle.ContainerSpec) (string, error) {
	pod := r.podSpec(spec)

	data, err := json.Marshal(pod)
	if err != nil {
		return "", err
	}
	if err := r.kv.Set(ctx, kvNamespace, pod.Name, string(data)); err != nil {
		return "", fmt.Errorf("failed to save pod spec: %w", err)
	}
	return pod.Name, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	data, err := r.kv.Get(ctx, kvNamespace, id)
	if err != nil {
		return fmt.Errorf("failed to load pod spec: %w", err)
	}
	if data == "" {
		// Already started.
		_, err := r.kube.CoreV1().Pods(r.config.Namespace).Get(ctx, id, metav1.GetOptions{})
		return err
	}

	var pod corev1.Pod
	if err := json.Unmarshal([]byte(data), &pod); err != nil {
		return fmt.Errorf("invalid pod spec: %w", err)
	}

	_, err = r.kube.CoreV1().Pods(r.config.Namespace).Create(ctx, &pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return err
	}
	if err := r.kv.Delete(ctx, kvNamespace, id); err != nil {
		r.logger.Warn("failed to drop pod spec", zap.Error(err), zap.String("name", id))
	}

	r.logger.Info("pod created",
		zap.String("namespace", r.config.Namespace),
		zap.String("name", id),
	)
	return nil
}

func (r *Runtime) deletePod(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, kvNamespace, id); err != nil {
		return fmt.Errorf("failed to drop pod spec: %w", err)
	}

	r.logger.Info("deleting pod",
		zap.String("namespace", r.config.Namespace),
		zap.String("name", id),
	)

	err := r.kube.CoreV1().Pods(r.config.Namespace).Delete(ctx, id, metav1.DeleteOptions{
		GracePeriodSeconds: pointer.Int64(int64(r.config.GetGracePeriod().Seconds())),
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// StopContainer deletes the pod; pods cannot be stopped and kept.
func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	return r.deletePod(ctx, id)
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	return r.deletePod(ctx, id)
}
