package repository

import (
	"context"

	"github.com/stackd/stackd/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	UpdateProject(ctx context.Context, project *domain.Project) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// DeploymentRepository persists deployment records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	SoftDeleteDeployment(ctx context.Context, id string) error
}

// StageRepository persists stage rows keyed by (deployment, stage name).
type StageRepository interface {
	GetStage(ctx context.Context, deploymentID, stageName string) (*domain.DeploymentStage, error)
	CreateStage(ctx context.Context, s *domain.DeploymentStage) error
	UpdateStage(ctx context.Context, s *domain.DeploymentStage) error
	ListStagesByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error)
}

// LogRepository appends and reads deployment log lines.
type LogRepository interface {
	AppendLog(ctx context.Context, entry *domain.DeploymentLog) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
}

// ContainerRepository tracks runtime containers.
type ContainerRepository interface {
	CreateContainer(ctx context.Context, c *domain.DeploymentContainer) error
	UpdateContainer(ctx context.Context, c *domain.DeploymentContainer) error
	LatestContainer(ctx context.Context, deploymentID string) (*domain.DeploymentContainer, error)
}

// HealthCheckRepository appends and reads liveness probe results.
type HealthCheckRepository interface {
	AppendHealthCheck(ctx context.Context, hc *domain.HealthCheck) error
	LatestHealthCheck(ctx context.Context, deploymentID string) (*domain.HealthCheck, error)
}
