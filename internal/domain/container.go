package domain

import "time"

// Container statuses.
const (
	ContainerStarting = "starting"
	ContainerRunning  = "running"
	ContainerStopped  = "stopped"
	ContainerFailed   = "failed"
)

// DeploymentContainer tracks a started runtime container for a deployment.
// At most one container per deployment may be starting or running at a time.
type DeploymentContainer struct {
	ID           string
	DeploymentID string
	ContainerID  string
	Image        string
	Host         string
	Port         int
	Status       string
	CreatedAt    time.Time
	StoppedAt    *time.Time
}

// Active reports whether the container counts against the one-active limit.
func (c DeploymentContainer) Active() bool {
	return c.Status == ContainerStarting || c.Status == ContainerRunning
}

// HealthCheck is a point-in-time liveness probe result. History is
// append-only; the most recent row answers "current" status.
type HealthCheck struct {
	ID           string
	DeploymentID string
	URL          string
	HTTPStatus   *int
	LatencyMS    *int
	IsLive       bool
	CheckedAt    time.Time
}
