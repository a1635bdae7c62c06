package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.StageRepository       = (*Repository)(nil)
	_ repository.LogRepository         = (*Repository)(nil)
	_ repository.ContainerRepository   = (*Repository)(nil)
	_ repository.HealthCheckRepository = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, repository, branch, build_command, output_dir, env_vars, runtime, jenkins_job_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Repository, project.Branch,
		project.BuildCommand, project.OutputDir, project.EnvVars,
		project.Runtime, project.JenkinsJobName, project.CreatedAt, project.UpdatedAt)
	return mapPgError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, name, repository, branch, build_command, output_dir, env_vars, runtime, jenkins_job_name, created_at, updated_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Repository, &p.Branch, &p.BuildCommand, &p.OutputDir, &p.EnvVars, &p.Runtime, &p.JenkinsJobName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateProject rewrites mutable project configuration.
func (r *Repository) UpdateProject(ctx context.Context, project *domain.Project) error {
	const query = `UPDATE projects
		SET name = $2, repository = $3, branch = $4, build_command = $5,
			output_dir = $6, env_vars = $7, runtime = $8, jenkins_job_name = $9,
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Repository, project.Branch,
		project.BuildCommand, project.OutputDir, project.EnvVars,
		project.Runtime, project.JenkinsJobName)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjects returns all projects, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, repository, branch, build_command, output_dir, env_vars, runtime, jenkins_job_name, created_at, updated_at
		FROM projects ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Repository, &p.Branch, &p.BuildCommand, &p.OutputDir, &p.EnvVars, &p.Runtime, &p.JenkinsJobName, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, branch, commit_hash, commit_message, author, commit_timestamp,
			creator_type, is_production, env_vars, duration_seconds, failed_reason, deployed_url,
			started_at, completed_at, created_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, d.Status, d.Branch, d.CommitHash, d.CommitMessage, d.Author, d.CommitTimestamp,
		d.CreatorType, d.IsProduction, d.EnvVars, d.DurationSeconds, d.FailedReason, d.DeployedURL,
		d.StartedAt, d.CompletedAt, d.CreatedAt, d.IsDeleted)
	return mapPgError(err)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT id, project_id, status, branch, commit_hash, commit_message, author, commit_timestamp,
			creator_type, is_production, env_vars, duration_seconds, failed_reason, deployed_url,
			started_at, completed_at, created_at, is_deleted
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Branch, &d.CommitHash, &d.CommitMessage, &d.Author, &d.CommitTimestamp,
		&d.CreatorType, &d.IsProduction, &d.EnvVars, &d.DurationSeconds, &d.FailedReason, &d.DeployedURL,
		&d.StartedAt, &d.CompletedAt, &d.CreatedAt, &d.IsDeleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDeployment rewrites the mutable fields of a deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `UPDATE deployments
		SET status = $2,
			branch = $3,
			commit_hash = $4,
			commit_message = $5,
			author = $6,
			commit_timestamp = $7,
			duration_seconds = $8,
			failed_reason = $9,
			deployed_url = $10,
			started_at = $11,
			completed_at = $12,
			is_deleted = $13
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		d.ID, d.Status, d.Branch, d.CommitHash, d.CommitMessage, d.Author, d.CommitTimestamp,
		d.DurationSeconds, d.FailedReason, d.DeployedURL, d.StartedAt, d.CompletedAt, d.IsDeleted)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject fetches recent deployments for a project,
// excluding soft-deleted rows.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, status, branch, commit_hash, commit_message, author, commit_timestamp,
			creator_type, is_production, env_vars, duration_seconds, failed_reason, deployed_url,
			started_at, completed_at, created_at, is_deleted
		FROM deployments WHERE project_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Branch, &d.CommitHash, &d.CommitMessage, &d.Author, &d.CommitTimestamp,
			&d.CreatorType, &d.IsProduction, &d.EnvVars, &d.DurationSeconds, &d.FailedReason, &d.DeployedURL,
			&d.StartedAt, &d.CompletedAt, &d.CreatedAt, &d.IsDeleted); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// SoftDeleteDeployment marks a deployment deleted without removing the row.
func (r *Repository) SoftDeleteDeployment(ctx context.Context, id string) error {
	const query = `UPDATE deployments SET is_deleted = TRUE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetStage returns the stage row for (deployment, stage name).
func (r *Repository) GetStage(ctx context.Context, deploymentID, stageName string) (*domain.DeploymentStage, error) {
	const query = `SELECT id, deployment_id, stage_name, status, started_at, completed_at, error_message, created_at
		FROM deployment_stages WHERE deployment_id = $1 AND stage_name = $2`
	row := r.pool.QueryRow(ctx, query, deploymentID, stageName)
	var s domain.DeploymentStage
	if err := row.Scan(&s.ID, &s.DeploymentID, &s.StageName, &s.Status, &s.StartedAt, &s.CompletedAt, &s.ErrorMessage, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CreateStage inserts a stage row.
func (r *Repository) CreateStage(ctx context.Context, s *domain.DeploymentStage) error {
	const query = `INSERT INTO deployment_stages (id, deployment_id, stage_name, status, started_at, completed_at, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.DeploymentID, s.StageName, s.Status, s.StartedAt, s.CompletedAt, s.ErrorMessage, s.CreatedAt)
	return mapPgError(err)
}

// UpdateStage rewrites a stage row's status and timestamps.
func (r *Repository) UpdateStage(ctx context.Context, s *domain.DeploymentStage) error {
	const query = `UPDATE deployment_stages
		SET status = $3, started_at = $4, completed_at = $5, error_message = $6
		WHERE deployment_id = $1 AND stage_name = $2`
	tag, err := r.pool.Exec(ctx, query,
		s.DeploymentID, s.StageName, s.Status, s.StartedAt, s.CompletedAt, s.ErrorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListStagesByDeployment returns stage rows for a deployment in creation order.
func (r *Repository) ListStagesByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error) {
	const query = `SELECT id, deployment_id, stage_name, status, started_at, completed_at, error_message, created_at
		FROM deployment_stages WHERE deployment_id = $1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := make([]domain.DeploymentStage, 0)
	for rows.Next() {
		var s domain.DeploymentStage
		if err := rows.Scan(&s.ID, &s.DeploymentID, &s.StageName, &s.Status, &s.StartedAt, &s.CompletedAt, &s.ErrorMessage, &s.CreatedAt); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// AppendLog stores a deployment log line.
func (r *Repository) AppendLog(ctx context.Context, entry *domain.DeploymentLog) error {
	const query = `INSERT INTO deployment_logs (id, deployment_id, timestamp, log_level, message)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, entry.ID, entry.DeploymentID, entry.Timestamp, entry.Level, entry.Message)
	return mapPgError(err)
}

// ListLogsByDeployment returns log lines in production order.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT id, deployment_id, timestamp, log_level, message
		FROM deployment_logs WHERE deployment_id = $1
		ORDER BY timestamp ASC, id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var l domain.DeploymentLog
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.Timestamp, &l.Level, &l.Message); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateContainer inserts a runtime container record.
func (r *Repository) CreateContainer(ctx context.Context, c *domain.DeploymentContainer) error {
	const query = `INSERT INTO deployment_containers (id, deployment_id, container_id, image, host, port, status, created_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		c.ID, c.DeploymentID, c.ContainerID, c.Image, c.Host, c.Port, c.Status, c.CreatedAt, c.StoppedAt)
	return mapPgError(err)
}

// UpdateContainer rewrites a container's status and stop timestamp.
func (r *Repository) UpdateContainer(ctx context.Context, c *domain.DeploymentContainer) error {
	const query = `UPDATE deployment_containers SET status = $2, stopped_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, c.ID, c.Status, c.StoppedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// LatestContainer returns the most recently created container for a deployment.
func (r *Repository) LatestContainer(ctx context.Context, deploymentID string) (*domain.DeploymentContainer, error) {
	const query = `SELECT id, deployment_id, container_id, image, host, port, status, created_at, stopped_at
		FROM deployment_containers WHERE deployment_id = $1
		ORDER BY created_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var c domain.DeploymentContainer
	if err := row.Scan(&c.ID, &c.DeploymentID, &c.ContainerID, &c.Image, &c.Host, &c.Port, &c.Status, &c.CreatedAt, &c.StoppedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendHealthCheck stores a liveness probe result.
func (r *Repository) AppendHealthCheck(ctx context.Context, hc *domain.HealthCheck) error {
	const query = `INSERT INTO deployment_health_checks (id, deployment_id, url, http_status, latency_ms, is_live, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		hc.ID, hc.DeploymentID, hc.URL, hc.HTTPStatus, hc.LatencyMS, hc.IsLive, hc.CheckedAt)
	return mapPgError(err)
}

// LatestHealthCheck returns the most recent probe for a deployment.
func (r *Repository) LatestHealthCheck(ctx context.Context, deploymentID string) (*domain.HealthCheck, error) {
	const query = `SELECT id, deployment_id, url, http_status, latency_ms, is_live, checked_at
		FROM deployment_health_checks WHERE deployment_id = $1
		ORDER BY checked_at DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var hc domain.HealthCheck
	if err := row.Scan(&hc.ID, &hc.DeploymentID, &hc.URL, &hc.HTTPStatus, &hc.LatencyMS, &hc.IsLive, &hc.CheckedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &hc, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}
