package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stackd/stackd/internal/artifacts"
	"github.com/stackd/stackd/internal/cancel"
	"github.com/stackd/stackd/internal/ci"
	"github.com/stackd/stackd/internal/detect"
	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/gitutil"
	"github.com/stackd/stackd/internal/kube"
	"github.com/stackd/stackd/internal/runner"
	rt "github.com/stackd/stackd/internal/runtime"
	"github.com/stackd/stackd/internal/stage"
	"github.com/stackd/stackd/internal/ws"
)

// Preflight failure reasons surfaced verbatim to operators.
const (
	reasonGitMissing     = "GIT NOT INSTALLED"
	reasonNodeMissing    = "NODE NOT INSTALLED"
	reasonManagerMissing = "NPM/YARN/PNPM NOT INSTALLED"
)

// pipeline holds the mutable state of one run. Exactly one of cancelled
// or failure decides a non-success outcome; cancellation wins when both
// are observed because it carries user intent.
type pipeline struct {
	svc     *Service
	dep     *domain.Deployment
	project *domain.Project
	flag    *cancel.Flag

	workdir   string
	cancelled bool
	failure   string
}

func (p *pipeline) execute(ctx context.Context) {
	if missing := p.preflight(); len(missing) > 0 {
		p.failAt(ctx, stage.Queued, strings.Join(missing, "; "))
		return
	}
	p.setStage(ctx, stage.Queued, stage.StatusCompleted, "")

	dir, err := p.svc.workspaces.Prepare(p.dep.ID)
	if err != nil {
		p.failAt(ctx, stage.Cloning, fmt.Sprintf("prepare build directory: %v", err))
		return
	}
	p.workdir = dir

	cloneURL := gitutil.CloneURL(p.project.Repository)
	p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Cloning %s (branch %s)", cloneURL, p.dep.Branch))
	if !p.step(ctx, stage.Cloning, domain.StatusCloning, fmt.Sprintf("git clone %s .", cloneURL)) {
		return
	}
	if !p.step(ctx, stage.Checkout, domain.StatusCheckout, fmt.Sprintf("git checkout %s", p.dep.Branch)) {
		return
	}
	p.commitMetadata(ctx)

	detected := detect.Inspect(p.workdir)
	if detected.HasDockerfile && (p.project.Runtime == domain.RuntimeDocker || !detected.HasPackageJSON) {
		if p.svc.images != nil && p.svc.runtime != nil && p.svc.runtime.Available() {
			p.containerPath(ctx, detected)
			return
		}
		p.svc.logs.Warning(ctx, p.dep.ID,
			"Dockerfile found but container support is disabled, falling back to static deployment")
	}
	p.staticPath(ctx, detected)
}

// preflight verifies the external tools the pipeline shells out to.
func (p *pipeline) preflight() []string {
	var missing []string
	if _, err := p.svc.lookPath("git"); err != nil {
		missing = append(missing, reasonGitMissing)
	}
	if _, err := p.svc.lookPath("node"); err != nil {
		missing = append(missing, reasonNodeMissing)
	}
	managers := false
	for _, tool := range []string{"npm", "yarn", "pnpm"} {
		if _, err := p.svc.lookPath(tool); err == nil {
			managers = true
			break
		}
	}
	if !managers {
		missing = append(missing, reasonManagerMissing)
	}
	return missing
}

// step runs one subprocess-bearing stage and records its outcome. It
// returns false when the pipeline must stop.
func (p *pipeline) step(ctx context.Context, key stage.Key, status, command string) bool {
	p.setStatus(ctx, status)
	p.setStage(ctx, key, stage.StatusInProgress, "")

	if p.flag.IsSet() {
		p.cancelled = true
		p.setStage(ctx, key, stage.StatusCancelled, "")
		return false
	}

	res, err := p.svc.runner.Run(runner.Command{
		Command: command,
		Dir:     p.workdir,
		Env:     p.env(),
		Timeout: p.svc.opts.BuildTimeout,
		Cancel:  p.flag,
		Sink: runner.SinkFunc(func(level, message string) {
			p.svc.logs.Append(ctx, p.dep.ID, level, message)
		}),
	})

	label := stage.Labels[key]
	switch {
	case res.TimedOut:
		p.failure = fmt.Sprintf("Build timed out during %s", label)
		p.setStage(ctx, key, stage.StatusFailed, p.failure)
	case res.Cancelled || p.flag.IsSet():
		p.cancelled = true
		p.setStage(ctx, key, stage.StatusCancelled, "")
	case err != nil:
		p.failure = fmt.Sprintf("%s failed: %v", label, err)
		p.setStage(ctx, key, stage.StatusFailed, p.failure)
	case res.ExitCode != 0:
		p.failure = fmt.Sprintf("%s exited with code %d", commandName(command), res.ExitCode)
		p.setStage(ctx, key, stage.StatusFailed, p.failure)
	default:
		p.setStage(ctx, key, stage.StatusCompleted, "")
		return true
	}
	if p.failure != "" {
		p.svc.logs.Error(ctx, p.dep.ID, p.failure)
	}
	return false
}

// commitMetadata is best-effort; a repository git cannot describe simply
// leaves the fields unset.
func (p *pipeline) commitMetadata(ctx context.Context) {
	commit, ok := gitutil.HeadCommit(p.workdir)
	if !ok {
		return
	}
	p.dep.CommitHash = commit.Hash
	p.dep.CommitMessage = commit.Message
	p.dep.Author = commit.Author
	p.dep.CommitTimestamp = commit.Timestamp
	if err := p.svc.deployments.UpdateDeployment(ctx, p.dep); err != nil {
		p.svc.logger.Warn("record commit metadata failed", "deployment_id", p.dep.ID, "error", err)
	}
	short := commit.Hash
	if len(short) > 8 {
		short = short[:8]
	}
	if first, _, _ := strings.Cut(commit.Message, "\n"); first != "" {
		p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Commit %s: %s", short, first))
	}
}

func (p *pipeline) containerPath(ctx context.Context, detected detect.Detection) {
	p.setStatus(ctx, domain.StatusBuilding)
	p.setStage(ctx, stage.Building, stage.StatusInProgress, "")
	if p.flag.IsSet() {
		p.cancelled = true
		p.setStage(ctx, stage.Building, stage.StatusCancelled, "")
		return
	}

	tag := imageTag(p.project.Name, p.dep.ID)
	p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Building image %s from Dockerfile", tag))
	err := p.svc.images.BuildImage(ctx, p.workdir, tag, nil, func(line string) {
		p.svc.logs.Info(ctx, p.dep.ID, line)
	})
	if err != nil {
		if p.flag.IsSet() {
			p.cancelled = true
			p.setStage(ctx, stage.Building, stage.StatusCancelled, "")
			return
		}
		p.failure = fmt.Sprintf("image build failed: %v", err)
		p.setStage(ctx, stage.Building, stage.StatusFailed, p.failure)
		p.svc.logs.Error(ctx, p.dep.ID, p.failure)
		return
	}
	p.setStage(ctx, stage.Building, stage.StatusCompleted, "")

	if p.flag.IsSet() {
		p.cancelled = true
		return
	}

	ctr, err := p.svc.runtime.Start(ctx, rt.StartSpec{
		DeploymentID: p.dep.ID,
		Image:        tag,
		Env:          p.overlay(),
		Lambda:       detected.LambdaBase,
	})
	if err != nil {
		p.failure = fmt.Sprintf("container start failed: %v", err)
		p.svc.logs.Error(ctx, p.dep.ID, p.failure)
		return
	}

	if detected.LambdaBase {
		p.dep.DeployedURL = fmt.Sprintf("http://localhost:%d/2015-03-31/functions/function/invocations", ctr.Port)
		p.svc.logs.Info(ctx, p.dep.ID, "Lambda base image detected: container listens on port 8080, HTTP probe skipped")
		p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf(
			"Invoke with: curl -X POST %s -d '{}'", p.dep.DeployedURL))
	} else {
		p.dep.DeployedURL = fmt.Sprintf("http://localhost:%d/", ctr.Port)
		p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Container running at %s", p.dep.DeployedURL))
	}

	p.tailContainerLogs(ctx)
	p.notifyCI(ctx)
}

// tailContainerLogs copies the container's first lines of output into
// the deployment log. Best effort; not every runtime can tail.
func (p *pipeline) tailContainerLogs(ctx context.Context) {
	tailer, ok := p.svc.runtime.(interface {
		Logs(ctx context.Context, deploymentID string, tail int) ([]string, error)
	})
	if !ok {
		return
	}
	lines, err := tailer.Logs(ctx, p.dep.ID, 50)
	if err != nil {
		p.svc.logs.Warning(ctx, p.dep.ID, fmt.Sprintf("container log tail failed: %v", err))
		return
	}
	for _, line := range lines {
		p.svc.logs.Info(ctx, p.dep.ID, "[container] "+line)
	}
}

func (p *pipeline) staticPath(ctx context.Context, detected detect.Detection) {
	if detected.HasPackageJSON {
		install := detect.InstallCommand(p.workdir)
		if tool := detect.InstallTool(p.workdir); tool != "" {
			if _, err := p.svc.lookPath(tool); err != nil {
				p.svc.logs.Warning(ctx, p.dep.ID,
					fmt.Sprintf("lockfile wants %s but it is not on PATH", tool))
			}
		}
		p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Installing dependencies with `%s`", install))
		if !p.step(ctx, stage.Installing, domain.StatusInstalling, install) {
			return
		}
		build := strings.TrimSpace(p.project.BuildCommand)
		if build == "" {
			build = p.svc.opts.DefaultBuild
		}
		p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Building with `%s`", build))
		if !p.step(ctx, stage.Building, domain.StatusBuilding, build) {
			return
		}
	} else {
		p.svc.logs.Info(ctx, p.dep.ID, "No package.json found, serving repository as a static site")
		p.setStage(ctx, stage.Installing, stage.StatusCompleted, "")
		p.setStage(ctx, stage.Building, stage.StatusCompleted, "")
	}

	p.setStatus(ctx, domain.StatusCopying)
	p.setStage(ctx, stage.Copying, stage.StatusInProgress, "")
	if p.flag.IsSet() {
		p.cancelled = true
		p.setStage(ctx, stage.Copying, stage.StatusCancelled, "")
		return
	}

	outputDir, err := p.svc.artifacts.Resolve(p.workdir, p.project.OutputDir, detected.HasPackageJSON)
	if err != nil {
		p.failure = err.Error()
		p.setStage(ctx, stage.Copying, stage.StatusFailed, p.failure)
		p.svc.logs.Error(ctx, p.dep.ID, p.failure)
		return
	}
	if err := p.svc.artifacts.Publish(p.dep.ID, outputDir); err != nil {
		if errors.Is(err, artifacts.ErrNoEntryPoint) {
			p.failure = "index.html not found in build output"
		} else {
			p.failure = fmt.Sprintf("publish artifacts: %v", err)
		}
		p.setStage(ctx, stage.Copying, stage.StatusFailed, p.failure)
		p.svc.logs.Error(ctx, p.dep.ID, p.failure)
		return
	}
	p.setStage(ctx, stage.Copying, stage.StatusCompleted, "")

	p.dep.DeployedURL = fmt.Sprintf("%s/deployments/%s/", strings.TrimSuffix(p.svc.opts.BackendURL, "/"), p.dep.ID)
	p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Artifacts published, site available at %s", p.dep.DeployedURL))

	p.serveContainer(ctx)
	p.clusterRollout(ctx)
	p.notifyCI(ctx)
}

// serveContainer fronts the published artifacts with a container when
// the project opted into the docker runtime. Failure keeps the static
// URL; it never fails the deployment.
func (p *pipeline) serveContainer(ctx context.Context) {
	if p.project.Runtime != domain.RuntimeDocker {
		return
	}
	if p.svc.runtime == nil || !p.svc.runtime.Available() {
		return
	}
	ctr, err := p.svc.runtime.Start(ctx, rt.StartSpec{
		DeploymentID: p.dep.ID,
		ArtifactsDir: p.svc.artifacts.Dir(p.dep.ID),
		Env:          p.overlay(),
	})
	if err != nil {
		p.svc.logs.Warning(ctx, p.dep.ID,
			fmt.Sprintf("container serving unavailable (%v), keeping static URL", err))
		return
	}
	p.dep.DeployedURL = fmt.Sprintf("http://localhost:%d/", ctr.Port)
	p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("Container serving site at %s", p.dep.DeployedURL))
}

// clusterRollout mirrors the site into the cluster. Failures are
// recorded in the reason field but never change the primary outcome.
func (p *pipeline) clusterRollout(ctx context.Context) {
	if p.svc.cluster == nil {
		return
	}
	image := "nginx:alpine"
	if p.svc.images != nil {
		tag := imageTag(p.project.Name, p.dep.ID) + "-site"
		err := p.svc.images.BuildStaticSiteImage(ctx, p.svc.artifacts.Dir(p.dep.ID), tag, func(line string) {
			p.svc.logs.Info(ctx, p.dep.ID, line)
		})
		if err != nil {
			p.svc.logs.Warning(ctx, p.dep.ID,
				fmt.Sprintf("site image build failed (%v), rolling out plain nginx", err))
		} else {
			image = tag
		}
	}

	rollout, err := p.svc.cluster.Apply(ctx, kube.RolloutSpec{
		DeploymentID: p.dep.ID,
		ProjectID:    p.project.ID,
		Image:        image,
		Port:         80,
		Env:          p.overlayMap(),
	})
	if err != nil {
		msg := fmt.Sprintf("cluster rollout failed: %v", err)
		p.svc.logs.Warning(ctx, p.dep.ID, msg)
		p.dep.FailedReason = joinReasons(p.dep.FailedReason, msg)
		return
	}

	// The deployment row has no dedicated rollout columns; identifiers
	// ride in the reason field, and the NodePort becomes the access URL.
	meta := fmt.Sprintf("K8s: namespace=%s deployment=%s service=%s nodePort=%d",
		rollout.Namespace, rollout.DeploymentName, rollout.ServiceName, rollout.NodePort)
	p.dep.FailedReason = joinReasons(p.dep.FailedReason, meta)
	if rollout.NodePort != 0 {
		p.dep.DeployedURL = fmt.Sprintf("http://localhost:%d/", rollout.NodePort)
	}
	p.svc.logs.Info(ctx, p.dep.ID, fmt.Sprintf("cluster rollout ready: %s", meta))
}

func (p *pipeline) notifyCI(ctx context.Context) {
	if p.svc.ci == nil {
		return
	}
	err := p.svc.ci.Trigger(ctx, ci.BuildRequest{
		Job:          p.project.JenkinsJobName,
		DeploymentID: p.dep.ID,
		Repository:   p.project.Repository,
		Branch:       p.dep.Branch,
	})
	if err != nil {
		p.svc.logs.Warning(ctx, p.dep.ID, fmt.Sprintf("ci trigger failed: %v", err))
	}
}

func (p *pipeline) finalize(ctx context.Context) {
	end := p.svc.now()
	p.dep.CompletedAt = &end
	if p.dep.StartedAt != nil {
		secs := int(end.Sub(*p.dep.StartedAt).Seconds())
		p.dep.DurationSeconds = &secs
	}

	switch {
	case p.cancelled:
		p.dep.Status = domain.StatusCancelled
		p.setStage(ctx, stage.Cancelled, stage.StatusCancelled, "")
		p.svc.logs.Warning(ctx, p.dep.ID, "deployment cancelled")
	case p.failure != "":
		p.dep.Status = domain.StatusFailed
		p.dep.FailedReason = joinReasons(p.failure, p.dep.FailedReason)
		p.setStage(ctx, stage.Failed, stage.StatusFailed, p.failure)
		p.svc.logs.Error(ctx, p.dep.ID, fmt.Sprintf("deployment failed: %s", p.failure))
	default:
		p.dep.Status = domain.StatusSuccess
		p.setStage(ctx, stage.Success, stage.StatusCompleted, "")
		p.svc.logs.Info(ctx, p.dep.ID, "deployment succeeded")
	}

	deploymentsTotal.WithLabelValues(p.dep.Status).Inc()

	if err := p.svc.deployments.UpdateDeployment(context.WithoutCancel(ctx), p.dep); err != nil {
		p.svc.logger.Error("persist final deployment state failed",
			"deployment_id", p.dep.ID, "status", p.dep.Status, "error", err)
	}

	data := map[string]any{
		"deployment_id": p.dep.ID,
		"status":        p.dep.Status,
		"deployed_url":  p.dep.DeployedURL,
	}
	if p.dep.DurationSeconds != nil {
		data["duration_seconds"] = *p.dep.DurationSeconds
	}
	if p.svc.hub != nil {
		p.svc.hub.BroadcastEvent(p.dep.ID, ws.EventDeploymentComplete, data)
	}
}

// failAt records a failure on a stage that never truly ran.
func (p *pipeline) failAt(ctx context.Context, key stage.Key, reason string) {
	p.failure = reason
	p.setStage(ctx, key, stage.StatusFailed, reason)
	p.svc.logs.Error(ctx, p.dep.ID, reason)
}

func (p *pipeline) setStatus(ctx context.Context, status string) {
	p.dep.Status = status
	if err := p.svc.deployments.UpdateDeployment(ctx, p.dep); err != nil {
		p.svc.logger.Warn("update deployment status failed",
			"deployment_id", p.dep.ID, "status", status, "error", err)
	}
	if p.svc.hub != nil {
		p.svc.hub.BroadcastEvent(p.dep.ID, ws.EventStatusUpdate, map[string]any{
			"deployment_id": p.dep.ID,
			"status":        status,
		})
	}
}

func (p *pipeline) setStage(ctx context.Context, key stage.Key, status, errMsg string) {
	if err := p.svc.stages.SetError(ctx, p.dep.ID, key, status, errMsg); err != nil {
		p.svc.logger.Warn("record stage transition failed",
			"deployment_id", p.dep.ID, "stage", stage.Labels[key], "status", status, "error", err)
	}
}

func commandName(command string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	return name
}

func imageTag(projectName, deploymentID string) string {
	slug := strings.ToLower(strings.TrimSpace(projectName))
	var b strings.Builder
	for _, r := range slug {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "app"
	}
	return fmt.Sprintf("stackd/%s:%s", name, strings.ToLower(deploymentID))
}
