package docker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name  string
	Image string
	Env   []string
	// Binds are host mounts in Docker's "host:container[:mode]" form.
	Binds []string
	// ContainerPort is the TCP port the application listens on.
	ContainerPort int
	// HostPort is the fixed host port published for ContainerPort.
	HostPort int
}

// EnsureImage pulls the image when it is not present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// Drain the progress stream; pull completes only once it is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// RunContainer creates and starts a container, publishing ContainerPort
// on the fixed HostPort. Any previous container with the same name is
// removed first. Returns the container ID.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	if spec.ContainerPort <= 0 || spec.HostPort <= 0 {
		return "", fmt.Errorf("container and host ports must be positive")
	}

	if err := c.RemoveContainer(ctx, spec.Name); err != nil {
		return "", err
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = c.RemoveContainer(ctx, created.ID)
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// RemoveContainer force-removes a container by name or ID. A missing
// container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// StopContainer stops a container, then removes it.
func (c *Client) StopContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container reference cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, ref, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return c.RemoveContainer(ctx, ref)
}

// IsRunning reports whether the container currently runs.
func (c *Client) IsRunning(ctx context.Context, ref string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// TailLogs returns up to tail recent log lines from both container
// streams, demultiplexed and in order.
func (c *Client) TailLogs(ctx context.Context, ref string, tail int) ([]string, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := c.inner.ContainerLogs(ctx, ref, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, reader); err != nil {
		return nil, fmt.Errorf("demultiplex container logs: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(&combined)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if text := strings.TrimRight(scanner.Text(), "\r"); text != "" {
			lines = append(lines, text)
		}
	}
	return lines, nil
}
