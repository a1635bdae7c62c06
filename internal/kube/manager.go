// Package kube mirrors successful container deployments into a
// Kubernetes cluster as a Deployment plus NodePort Service. Rollouts are
// best-effort; the pipeline records failures but does not fail on them.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/pointer"
)

const (
	deploymentLabel = "stackd.dev/deployment-id"
	projectLabel    = "stackd.dev/project-id"
)

// RolloutSpec describes the workload to apply.
type RolloutSpec struct {
	DeploymentID string
	ProjectID    string
	Image        string
	// Port is the container port the application listens on.
	Port int
	Env  map[string]string
}

// Rollout reports where the workload landed.
type Rollout struct {
	Namespace      string
	DeploymentName string
	ServiceName    string
	NodePort       int32
}

// Manager applies workloads to a cluster.
type Manager struct {
	client       kubernetes.Interface
	namespace    string
	logger       *slog.Logger
	readyTimeout time.Duration
}

// New builds a Manager, preferring in-cluster configuration and falling
// back to KUBECONFIG for local runs.
func New(namespace string, readyTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespace, readyTimeout, logger), nil
}

// NewWithClient builds a Manager around an existing clientset.
func NewWithClient(client kubernetes.Interface, namespace string, readyTimeout time.Duration, logger *slog.Logger) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Minute
	}
	return &Manager{client: client, namespace: namespace, logger: logger, readyTimeout: readyTimeout}
}

// Apply creates or updates the Deployment and Service for a rollout and
// waits for the workload to report ready.
func (m *Manager) Apply(ctx context.Context, spec RolloutSpec) (Rollout, error) {
	name := resourceName(spec.DeploymentID)
	if name == "" {
		return Rollout{}, fmt.Errorf("deployment id required")
	}
	if spec.Image == "" {
		return Rollout{}, fmt.Errorf("image required")
	}
	if spec.Port <= 0 {
		spec.Port = 80
	}

	labels := map[string]string{
		deploymentLabel:              spec.DeploymentID,
		projectLabel:                 spec.ProjectID,
		"app.kubernetes.io/name":     "stackd-app",
		"app.kubernetes.io/instance": name,
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: m.namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas:             pointer.Int32(1),
			RevisionHistoryLimit: pointer.Int32(1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{deploymentLabel: spec.DeploymentID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{appContainer(spec)},
				},
			},
		},
	}
	if err := m.applyDeployment(ctx, deployment); err != nil {
		return Rollout{}, err
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: m.namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{deploymentLabel: spec.DeploymentID},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(spec.Port),
				TargetPort: intstr.FromInt(spec.Port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	applied, err := m.applyService(ctx, service)
	if err != nil {
		return Rollout{}, err
	}

	if err := m.waitForReady(ctx, name); err != nil {
		return Rollout{}, err
	}

	rollout := Rollout{
		Namespace:      m.namespace,
		DeploymentName: name,
		ServiceName:    name,
	}
	if len(applied.Spec.Ports) > 0 {
		rollout.NodePort = applied.Spec.Ports[0].NodePort
	}
	return rollout, nil
}

// Delete removes the workload for a deployment. Missing resources are
// not an error.
func (m *Manager) Delete(ctx context.Context, deploymentID string) error {
	name := resourceName(deploymentID)
	if name == "" {
		return fmt.Errorf("deployment id required")
	}
	if err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (m *Manager) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := m.client.AppsV1().Deployments(m.namespace)
	if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err == nil {
		return nil
	} else if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (m *Manager) applyService(ctx context.Context, desired *corev1.Service) (*corev1.Service, error) {
	services := m.client.CoreV1().Services(m.namespace)
	created, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create service: %w", err)
	}
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	// Preserve the allocated NodePort across updates.
	if len(existing.Spec.Ports) > 0 && len(desired.Spec.Ports) > 0 {
		desired.Spec.Ports[0].NodePort = existing.Spec.Ports[0].NodePort
	}
	updated, err := services.Update(ctx, desired, metav1.UpdateOptions{})
	if err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}
	return updated, nil
}

func (m *Manager) waitForReady(ctx context.Context, name string) error {
	return wait.PollUntilContextTimeout(ctx, 2*time.Second, m.readyTimeout, true, func(ctx context.Context) (bool, error) {
		dep, err := m.client.AppsV1().Deployments(m.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return dep.Status.ReadyReplicas >= 1, nil
	})
}

func appContainer(spec RolloutSpec) corev1.Container {
	c := corev1.Container{
		Name:  "app",
		Image: spec.Image,
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(spec.Port)}},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			},
		},
	}
	for name, value := range spec.Env {
		c.Env = append(c.Env, corev1.EnvVar{Name: name, Value: value})
	}
	return c
}

func resourceName(deploymentID string) string {
	trimmed := strings.ToLower(strings.TrimSpace(deploymentID))
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	value := b.String()
	if value == "" {
		return ""
	}
	if len(value) > 24 {
		value = value[:24]
	}
	return "app-" + value
}
