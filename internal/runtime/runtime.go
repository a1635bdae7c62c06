// Package runtime starts, probes, and stops the Docker containers that
// serve deployed applications.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/internal/docker"
	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
)

const staticImage = "nginx:alpine"

// ErrUnavailable is returned when no Docker daemon is wired in.
var ErrUnavailable = errors.New("runtime: docker is not available")

// Options configures the Manager.
type Options struct {
	// PortStart and PortEnd bound the host port range for published apps.
	PortStart int
	PortEnd   int
	// StartTimeout bounds how long a container may take to answer its
	// first liveness probe.
	StartTimeout time.Duration
}

// Manager owns runtime containers, one active container per deployment.
type Manager struct {
	docker     *docker.Client
	containers repository.ContainerRepository
	health     repository.HealthCheckRepository
	logger     *slog.Logger
	opts       Options

	httpClient *http.Client
	now        func() time.Time
}

// NewManager constructs a Manager. cli may be nil when Docker is
// disabled; every operation then reports ErrUnavailable.
func NewManager(cli *docker.Client, containers repository.ContainerRepository, health repository.HealthCheckRepository, logger *slog.Logger, opts Options) *Manager {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Minute
	}
	return &Manager{
		docker:     cli,
		containers: containers,
		health:     health,
		logger:     logger,
		opts:       opts,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
}

// Available reports whether a Docker daemon is wired in.
func (m *Manager) Available() bool { return m != nil && m.docker != nil }

// StartSpec describes the container to run for a deployment.
type StartSpec struct {
	DeploymentID string
	// Image is the application image; empty selects the static file
	// server with ArtifactsDir mounted as the web root.
	Image        string
	ArtifactsDir string
	Env          []string
	// Lambda marks images built on an AWS Lambda base. They listen on
	// 8080 and expose no browsable root, so the first-start HTTP probe
	// is skipped.
	Lambda bool
}

// Start launches the container for a deployment, replacing any container
// a previous deployment of the same ID left running. It returns the
// tracked container record with its published host port.
func (m *Manager) Start(ctx context.Context, spec StartSpec) (*domain.DeploymentContainer, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	if spec.DeploymentID == "" {
		return nil, fmt.Errorf("deployment identifier cannot be empty")
	}

	if err := m.stopPrevious(ctx, spec.DeploymentID); err != nil {
		return nil, err
	}

	image := spec.Image
	containerPort := 80
	binds := []string(nil)
	if image == "" {
		if spec.ArtifactsDir == "" {
			return nil, fmt.Errorf("static runtime requires an artifacts directory")
		}
		image = staticImage
		binds = []string{spec.ArtifactsDir + ":/usr/share/nginx/html:ro"}
		if err := m.docker.EnsureImage(ctx, image); err != nil {
			return nil, err
		}
	} else if spec.Lambda {
		containerPort = 8080
	}

	hostPort, err := m.findFreePort()
	if err != nil {
		return nil, err
	}

	record := &domain.DeploymentContainer{
		ID:           uuid.NewString(),
		DeploymentID: spec.DeploymentID,
		Image:        image,
		Host:         "localhost",
		Port:         hostPort,
		Status:       domain.ContainerStarting,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.containers.CreateContainer(ctx, record); err != nil {
		return nil, fmt.Errorf("record container: %w", err)
	}

	containerID, err := m.docker.RunContainer(ctx, docker.RunSpec{
		Name:          containerName(spec.DeploymentID),
		Image:         image,
		Env:           spec.Env,
		Binds:         binds,
		ContainerPort: containerPort,
		HostPort:      hostPort,
	})
	if err != nil {
		record.Status = domain.ContainerFailed
		m.stamp(ctx, record)
		return nil, err
	}
	record.ContainerID = containerID

	if spec.Lambda {
		// Lambda runtimes answer only the invocation endpoint, so a GET
		// against the root proves nothing. Trust the running state.
		record.Status = domain.ContainerRunning
		m.stamp(ctx, record)
		m.logger.Info("lambda container started without probe",
			"deployment_id", spec.DeploymentID,
			"invoke_url", fmt.Sprintf("http://localhost:%d/2015-03-31/functions/function/invocations", hostPort))
		return record, nil
	}

	if err := m.waitLive(ctx, spec.DeploymentID, hostPort); err != nil {
		record.Status = domain.ContainerFailed
		m.stamp(ctx, record)
		_ = m.docker.StopContainer(context.WithoutCancel(ctx), containerID)
		return nil, err
	}
	record.Status = domain.ContainerRunning
	m.stamp(ctx, record)
	return record, nil
}

// Stop stops and removes the active container for a deployment. Missing
// containers are not an error.
func (m *Manager) Stop(ctx context.Context, deploymentID string) error {
	if !m.Available() {
		return ErrUnavailable
	}
	record, err := m.containers.LatestContainer(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !record.Active() {
		return nil
	}
	ref := record.ContainerID
	if ref == "" {
		ref = containerName(deploymentID)
	}
	if err := m.docker.StopContainer(ctx, ref); err != nil {
		return err
	}
	record.Status = domain.ContainerStopped
	stopped := m.now().UTC()
	record.StoppedAt = &stopped
	m.stamp(ctx, record)
	return nil
}

// Logs tails recent output of the deployment's container.
func (m *Manager) Logs(ctx context.Context, deploymentID string, tail int) ([]string, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	record, err := m.containers.LatestContainer(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	ref := record.ContainerID
	if ref == "" {
		ref = containerName(deploymentID)
	}
	return m.docker.TailLogs(ctx, ref, tail)
}

// Check probes the deployment's container over HTTP once and appends the
// result to the health history.
func (m *Manager) Check(ctx context.Context, deploymentID string) (*domain.HealthCheck, error) {
	if !m.Available() {
		return nil, ErrUnavailable
	}
	record, err := m.containers.LatestContainer(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	ref := record.ContainerID
	if ref == "" {
		ref = containerName(deploymentID)
	}
	hc := &domain.HealthCheck{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		URL:          fmt.Sprintf("http://localhost:%d/", record.Port),
		CheckedAt:    m.now().UTC(),
	}
	// A container that is gone or stopped is dead without probing.
	if running, err := m.docker.IsRunning(ctx, ref); err == nil && !running {
		if err := m.health.AppendHealthCheck(ctx, hc); err != nil {
			return nil, fmt.Errorf("record health check: %w", err)
		}
		return hc, nil
	}

	hc = m.probe(ctx, deploymentID, record.Port)
	if err := m.health.AppendHealthCheck(ctx, hc); err != nil {
		return nil, fmt.Errorf("record health check: %w", err)
	}
	return hc, nil
}

func (m *Manager) stopPrevious(ctx context.Context, deploymentID string) error {
	record, err := m.containers.LatestContainer(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !record.Active() {
		return nil
	}
	m.logger.Info("replacing active container", "deployment_id", deploymentID, "container_id", record.ContainerID)
	return m.Stop(ctx, deploymentID)
}

func (m *Manager) waitLive(ctx context.Context, deploymentID string, port int) error {
	deadline := m.now().Add(m.opts.StartTimeout)
	for {
		hc := m.probe(ctx, deploymentID, port)
		if err := m.health.AppendHealthCheck(ctx, hc); err != nil {
			m.logger.Warn("record health check failed", "deployment_id", deploymentID, "error", err)
		}
		if hc.IsLive {
			return nil
		}
		if m.now().After(deadline) {
			return fmt.Errorf("container did not become healthy within %s", m.opts.StartTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) probe(ctx context.Context, deploymentID string, port int) *domain.HealthCheck {
	url := fmt.Sprintf("http://localhost:%d/", port)
	hc := &domain.HealthCheck{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		URL:          url,
		CheckedAt:    m.now().UTC(),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return hc
	}
	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return hc
	}
	defer resp.Body.Close()

	latency := int(time.Since(start).Milliseconds())
	status := resp.StatusCode
	hc.HTTPStatus = &status
	hc.LatencyMS = &latency
	hc.IsLive = status >= 200 && status < 400
	return hc
}

func (m *Manager) findFreePort() (int, error) {
	if m.opts.PortStart <= 0 || m.opts.PortEnd < m.opts.PortStart {
		return 0, fmt.Errorf("invalid runtime port range %d-%d", m.opts.PortStart, m.opts.PortEnd)
	}
	for port := m.opts.PortStart; port <= m.opts.PortEnd; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", m.opts.PortStart, m.opts.PortEnd)
}

func (m *Manager) stamp(ctx context.Context, record *domain.DeploymentContainer) {
	if err := m.containers.UpdateContainer(context.WithoutCancel(ctx), record); err != nil {
		m.logger.Warn("update container record failed",
			"deployment_id", record.DeploymentID, "status", record.Status, "error", err)
	}
}

func containerName(deploymentID string) string {
	return "stackd-" + strings.ToLower(deploymentID)
}
