// Package deploy implements the deployment pipeline: clone, checkout,
// install, build, publish, and the best-effort runtime integrations
// around them. Each deployment runs as one supervised goroutine owning
// its status transitions end to end.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/internal/artifacts"
	"github.com/stackd/stackd/internal/cancel"
	"github.com/stackd/stackd/internal/ci"
	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/gitutil"
	"github.com/stackd/stackd/internal/kube"
	"github.com/stackd/stackd/internal/repository"
	"github.com/stackd/stackd/internal/runner"
	rt "github.com/stackd/stackd/internal/runtime"
	"github.com/stackd/stackd/internal/service/logs"
	"github.com/stackd/stackd/internal/stage"
	"github.com/stackd/stackd/internal/workspace"
	"github.com/stackd/stackd/internal/ws"
)

// Runner executes pipeline subprocesses.
type Runner interface {
	Run(cmd runner.Command) (runner.Result, error)
}

// ContainerRuntime starts and stops application containers.
type ContainerRuntime interface {
	Available() bool
	Start(ctx context.Context, spec rt.StartSpec) (*domain.DeploymentContainer, error)
	Stop(ctx context.Context, deploymentID string) error
}

// ImageBuilder builds container images from a directory.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, sink func(string)) error
	BuildStaticSiteImage(ctx context.Context, contentDir, tag string, sink func(string)) error
}

// ClusterRollout applies workloads to a cluster.
type ClusterRollout interface {
	Apply(ctx context.Context, spec kube.RolloutSpec) (kube.Rollout, error)
}

// CITrigger fires downstream CI builds.
type CITrigger interface {
	Trigger(ctx context.Context, req ci.BuildRequest) error
}

// Options tunes pipeline behavior.
type Options struct {
	BackendURL    string
	BuildTimeout  time.Duration
	DefaultBranch string
	DefaultBuild  string
}

// Service triggers and supervises deployment pipelines.
type Service struct {
	deployments repository.DeploymentRepository
	projects    repository.ProjectRepository
	stages      *stage.Tracker
	logs        *logs.Service
	hub         *ws.Hub
	cancels     *cancel.Registry
	workspaces  *workspace.Manager
	artifacts   *artifacts.Publisher
	runner      Runner

	// Optional integrations, nil when disabled.
	images  ImageBuilder
	runtime ContainerRuntime
	cluster ClusterRollout
	ci      CITrigger

	logger *slog.Logger
	opts   Options

	lookPath func(string) (string, error)
	now      func() time.Time
	wg       sync.WaitGroup
}

// Deps bundles the collaborators a Service needs.
type Deps struct {
	Deployments repository.DeploymentRepository
	Projects    repository.ProjectRepository
	Stages      *stage.Tracker
	Logs        *logs.Service
	Hub         *ws.Hub
	Cancels     *cancel.Registry
	Workspaces  *workspace.Manager
	Artifacts   *artifacts.Publisher
	Runner      Runner
	Images      ImageBuilder
	Runtime     ContainerRuntime
	Cluster     ClusterRollout
	CI          CITrigger
	Logger      *slog.Logger
}

// New constructs the deployment service.
func New(deps Deps, opts Options) *Service {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.DefaultBuild == "" {
		opts.DefaultBuild = "npm run build"
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 20 * time.Minute
	}
	return &Service{
		deployments: deps.Deployments,
		projects:    deps.Projects,
		stages:      deps.Stages,
		logs:        deps.Logs,
		hub:         deps.Hub,
		cancels:     deps.Cancels,
		workspaces:  deps.Workspaces,
		artifacts:   deps.Artifacts,
		runner:      deps.Runner,
		images:      deps.Images,
		runtime:     deps.Runtime,
		cluster:     deps.Cluster,
		ci:          deps.CI,
		logger:      deps.Logger,
		opts:        opts,
		lookPath:    exec.LookPath,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// TriggerRequest describes a requested deployment.
type TriggerRequest struct {
	ProjectID    string
	Branch       string
	CreatorType  string
	IsProduction bool
	EnvVars      string
}

// Trigger creates a deployment record and launches its pipeline.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	creator := req.CreatorType
	if creator != domain.CreatorWebhook {
		creator = domain.CreatorManual
	}

	dep := &domain.Deployment{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Status:       domain.StatusQueued,
		Branch:       gitutil.Branch(req.Branch, project.Branch, s.opts.DefaultBranch),
		CreatorType:  creator,
		IsProduction: req.IsProduction,
		EnvVars:      req.EnvVars,
		CreatedAt:    s.now(),
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	if err := s.stages.Set(ctx, dep.ID, stage.Queued, stage.StatusInProgress); err != nil {
		s.logger.Warn("record queued stage failed", "deployment_id", dep.ID, "error", err)
	}

	s.launch(dep, project)
	return dep, nil
}

// Cancel requests cancellation of a running deployment.
func (s *Service) Cancel(ctx context.Context, deploymentID string) error {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	switch dep.Status {
	case domain.StatusSuccess, domain.StatusFailed, domain.StatusCancelled:
		return fmt.Errorf("%w: deployment already %s", repository.ErrInvalidArgument, dep.Status)
	}
	s.cancels.Cancel(deploymentID)
	s.logs.Warning(ctx, deploymentID, "cancellation requested")
	return nil
}

// Wait blocks until all in-flight pipelines finish. Used during
// shutdown.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) launch(dep *domain.Deployment, project *domain.Project) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(dep, project)
	}()
}

func (s *Service) run(dep *domain.Deployment, project *domain.Project) {
	ctx := context.Background()
	start := s.now()
	dep.StartedAt = &start

	p := &pipeline{
		svc:     s,
		dep:     dep,
		project: project,
		flag:    s.cancels.Get(dep.ID),
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline panicked",
				"deployment_id", dep.ID, "panic", r, "stack", string(debug.Stack()))
			if p.failure == "" {
				p.failure = fmt.Sprintf("unexpected error: %v", r)
			}
			if p.flag.IsSet() {
				p.cancelled = true
			}
		}
		p.finalize(ctx)
		if p.workdir != "" {
			if err := s.workspaces.Cleanup(p.workdir); err != nil {
				s.logger.Warn("workspace cleanup failed", "deployment_id", dep.ID, "error", err)
			}
		}
		s.cancels.Clear(dep.ID)
	}()

	p.execute(ctx)
}

func joinReasons(first, second string) string {
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)
	switch {
	case first == "":
		return second
	case second == "":
		return first
	default:
		return first + "\n" + second
	}
}
