package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
	"github.com/stackd/stackd/internal/service/deploy"
)

type projectPayload struct {
	Name           string `json:"name"`
	Repository     string `json:"repository"`
	Branch         string `json:"branch"`
	BuildCommand   string `json:"build_command"`
	OutputDir      string `json:"output_dir"`
	EnvVars        string `json:"env_vars"`
	Runtime        string `json:"runtime"`
	JenkinsJobName string `json:"jenkins_job_name"`
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var in projectPayload
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Repository) == "" {
		writeError(w, http.StatusBadRequest, "name and repository are required")
		return
	}
	if in.Runtime == "" {
		in.Runtime = domain.RuntimeStatic
	}
	if in.Runtime != domain.RuntimeStatic && in.Runtime != domain.RuntimeDocker {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown runtime %q", in.Runtime))
		return
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		Repository:     strings.TrimSpace(in.Repository),
		Branch:         in.Branch,
		BuildCommand:   in.BuildCommand,
		OutputDir:      in.OutputDir,
		EnvVars:        in.EnvVars,
		Runtime:        in.Runtime,
		JenkinsJobName: in.JenkinsJobName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.projects.CreateProject(req.Context(), project); err != nil {
		r.logger.Error("create project failed", "error", err)
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, projectJSON(project))
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	projects, err := r.projects.ListProjects(req.Context())
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(projects))
	for i := range projects {
		out = append(out, projectJSON(&projects[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (r *Router) handleGetProject(w http.ResponseWriter, req *http.Request) {
	project, err := r.projects.GetProjectByID(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectJSON(project))
}

func (r *Router) handleUpdateProject(w http.ResponseWriter, req *http.Request) {
	project, err := r.projects.GetProjectByID(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	var in projectPayload
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Name != "" {
		project.Name = strings.TrimSpace(in.Name)
	}
	if in.Repository != "" {
		project.Repository = strings.TrimSpace(in.Repository)
	}
	if in.Branch != "" {
		project.Branch = in.Branch
	}
	if in.BuildCommand != "" {
		project.BuildCommand = in.BuildCommand
	}
	if in.OutputDir != "" {
		project.OutputDir = in.OutputDir
	}
	if in.EnvVars != "" {
		project.EnvVars = in.EnvVars
	}
	if in.Runtime != "" {
		if in.Runtime != domain.RuntimeStatic && in.Runtime != domain.RuntimeDocker {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown runtime %q", in.Runtime))
			return
		}
		project.Runtime = in.Runtime
	}
	if in.JenkinsJobName != "" {
		project.JenkinsJobName = in.JenkinsJobName
	}
	project.UpdatedAt = time.Now().UTC()

	if err := r.projects.UpdateProject(req.Context(), project); err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectJSON(project))
}

func (r *Router) handleListProjectDeployments(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("id")
	if _, err := r.projects.GetProjectByID(req.Context(), projectID); err != nil {
		respondStoreErr(w, err)
		return
	}
	limit := queryInt(req, "limit", 20, 100)
	deployments, err := r.deployments.ListDeploymentsByProject(req.Context(), projectID, limit)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(deployments))
	for i := range deployments {
		out = append(out, deploymentJSON(&deployments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

type triggerPayload struct {
	ProjectID    string `json:"project_id"`
	Branch       string `json:"branch"`
	IsProduction bool   `json:"is_production"`
	EnvVars      string `json:"env_vars"`
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	var in triggerPayload
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	dep, err := r.deploy.Trigger(req.Context(), deploy.TriggerRequest{
		ProjectID:    in.ProjectID,
		Branch:       in.Branch,
		CreatorType:  domain.CreatorManual,
		IsProduction: in.IsProduction,
		EnvVars:      in.EnvVars,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.logger.Error("trigger deployment failed", "project_id", in.ProjectID, "error", err)
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deploymentJSON(dep))
}

type webhookPayload struct {
	Ref    string `json:"ref"`
	Branch string `json:"branch"`
}

// handleWebhook accepts push notifications. The branch comes from an
// explicit "branch" field or a Git-style "ref" such as
// "refs/heads/main"; an empty body falls back to project defaults.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	projectID := req.PathValue("projectID")

	var in webhookPayload
	_ = json.NewDecoder(req.Body).Decode(&in)
	branch := in.Branch
	if branch == "" {
		branch = strings.TrimPrefix(in.Ref, "refs/heads/")
	}

	dep, err := r.deploy.Trigger(req.Context(), deploy.TriggerRequest{
		ProjectID:   projectID,
		Branch:      branch,
		CreatorType: domain.CreatorWebhook,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		r.logger.Error("webhook trigger failed", "project_id", projectID, "error", err)
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deploymentJSON(dep))
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	dep, err := r.deployments.GetDeploymentByID(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	if dep.IsDeleted {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, deploymentJSON(dep))
}

func (r *Router) handleCancelDeployment(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.deploy.Cancel(req.Context(), id); err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleDeleteDeployment soft deletes the record and tears down what
// the deployment left behind. Teardown failures are logged, not fatal.
func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.deployments.GetDeploymentByID(req.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}

	if r.runtime != nil && r.runtime.Available() {
		if err := r.runtime.Stop(req.Context(), id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("stop container on delete failed", "deployment_id", id, "error", err)
		}
	}
	if r.artifacts != nil {
		if err := r.artifacts.Remove(id); err != nil {
			r.logger.Warn("remove artifacts on delete failed", "deployment_id", id, "error", err)
		}
	}
	if r.builds != nil {
		if err := r.builds.CleanupByID(id); err != nil {
			r.logger.Warn("remove build workspace on delete failed", "deployment_id", id, "error", err)
		}
	}
	if err := r.deployments.SoftDeleteDeployment(req.Context(), id); err != nil {
		respondStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleListLogs(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := queryInt(req, "limit", 500, 1000)
	offset := queryInt(req, "offset", 0, 1<<30)

	entries, err := r.logs.List(req.Context(), id, limit, offset)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"level":     e.Level,
			"message":   e.Message,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out})
}

func (r *Router) handleListStages(w http.ResponseWriter, req *http.Request) {
	stages, err := r.stages.List(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(stages))
	for _, s := range stages {
		out = append(out, map[string]any{
			"stage_name":    s.StageName,
			"status":        s.Status,
			"started_at":    timePtrJSON(s.StartedAt),
			"completed_at":  timePtrJSON(s.CompletedAt),
			"error_message": s.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (r *Router) handleContainerLogs(w http.ResponseWriter, req *http.Request) {
	if r.runtime == nil || !r.runtime.Available() {
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
		return
	}
	tail := queryInt(req, "tail", 100, 5000)
	lines, err := r.runtime.Logs(req.Context(), req.PathValue("id"), tail)
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, "[container] "+line)
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": out})
}

func (r *Router) handleLatestHealth(w http.ResponseWriter, req *http.Request) {
	hc, err := r.health.LatestHealthCheck(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthJSON(hc))
}

func (r *Router) handleRunHealthCheck(w http.ResponseWriter, req *http.Request) {
	if r.runtime == nil || !r.runtime.Available() {
		writeError(w, http.StatusServiceUnavailable, "container runtime unavailable")
		return
	}
	hc, err := r.runtime.Check(req.Context(), req.PathValue("id"))
	if err != nil {
		respondStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthJSON(hc))
}

func projectJSON(p *domain.Project) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"name":             p.Name,
		"repository":       p.Repository,
		"branch":           p.Branch,
		"build_command":    p.BuildCommand,
		"output_dir":       p.OutputDir,
		"runtime":          p.Runtime,
		"jenkins_job_name": p.JenkinsJobName,
		"created_at":       p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func deploymentJSON(d *domain.Deployment) map[string]any {
	return map[string]any{
		"id":               d.ID,
		"project_id":       d.ProjectID,
		"status":           d.Status,
		"branch":           d.Branch,
		"commit_hash":      d.CommitHash,
		"commit_message":   d.CommitMessage,
		"author":           d.Author,
		"commit_timestamp": timePtrJSON(d.CommitTimestamp),
		"creator_type":     d.CreatorType,
		"is_production":    d.IsProduction,
		"duration_seconds": d.DurationSeconds,
		"failed_reason":    d.FailedReason,
		"deployed_url":     d.DeployedURL,
		"started_at":       timePtrJSON(d.StartedAt),
		"completed_at":     timePtrJSON(d.CompletedAt),
		"created_at":       d.CreatedAt.Format(time.RFC3339Nano),
	}
}

func healthJSON(hc *domain.HealthCheck) map[string]any {
	return map[string]any{
		"deployment_id": hc.DeploymentID,
		"url":           hc.URL,
		"http_status":   hc.HTTPStatus,
		"latency_ms":    hc.LatencyMS,
		"is_live":       hc.IsLive,
		"checked_at":    hc.CheckedAt.Format(time.RFC3339Nano),
	}
}

func timePtrJSON(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func queryInt(req *http.Request, name string, def, ceiling int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return min(n, ceiling)
}
