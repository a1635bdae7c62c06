package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
	"github.com/stackd/stackd/internal/service/deploy"
	"github.com/stackd/stackd/internal/ws"
)

type fakeDeploy struct {
	triggers  []deploy.TriggerRequest
	dep       *domain.Deployment
	err       error
	cancelErr error
	cancelled []string
}

func (f *fakeDeploy) Trigger(_ context.Context, req deploy.TriggerRequest) (*domain.Deployment, error) {
	f.triggers = append(f.triggers, req)
	if f.err != nil {
		return nil, f.err
	}
	dep := f.dep
	if dep == nil {
		dep = &domain.Deployment{ID: "dep-1", ProjectID: req.ProjectID, Status: domain.StatusQueued, Branch: req.Branch, CreatedAt: time.Now().UTC()}
	}
	return dep, nil
}

func (f *fakeDeploy) Cancel(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type memProjects struct {
	items map[string]*domain.Project
}

func newMemProjects() *memProjects { return &memProjects{items: make(map[string]*domain.Project)} }

func (m *memProjects) CreateProject(_ context.Context, p *domain.Project) error {
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *memProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) UpdateProject(_ context.Context, p *domain.Project) error {
	if _, ok := m.items[p.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

func (m *memProjects) ListProjects(_ context.Context) ([]domain.Project, error) {
	out := make([]domain.Project, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, *p)
	}
	return out, nil
}

type memDeployments struct {
	items map[string]*domain.Deployment
}

func newMemDeployments() *memDeployments {
	return &memDeployments{items: make(map[string]*domain.Deployment)}
}

func (m *memDeployments) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *memDeployments) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := m.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDeployments) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	if _, ok := m.items[d.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *d
	m.items[d.ID] = &cp
	return nil
}

func (m *memDeployments) ListDeploymentsByProject(_ context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	var out []domain.Deployment
	for _, d := range m.items {
		if d.ProjectID == projectID && !d.IsDeleted {
			out = append(out, *d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memDeployments) SoftDeleteDeployment(_ context.Context, id string) error {
	d, ok := m.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.IsDeleted = true
	return nil
}

type fixedLogs struct {
	entries []domain.DeploymentLog
}

func (f *fixedLogs) List(_ context.Context, _ string, limit, offset int) ([]domain.DeploymentLog, error) {
	if offset >= len(f.entries) {
		return nil, nil
	}
	end := min(offset+limit, len(f.entries))
	return f.entries[offset:end], nil
}

type fixedStages struct {
	stages []domain.DeploymentStage
}

func (f *fixedStages) List(context.Context, string) ([]domain.DeploymentStage, error) {
	return f.stages, nil
}

type memHealth struct {
	latest *domain.HealthCheck
}

func (m *memHealth) AppendHealthCheck(_ context.Context, hc *domain.HealthCheck) error {
	m.latest = hc
	return nil
}

func (m *memHealth) LatestHealthCheck(context.Context, string) (*domain.HealthCheck, error) {
	if m.latest == nil {
		return nil, repository.ErrNotFound
	}
	return m.latest, nil
}

type fakeRuntime struct {
	available bool
	lines     []string
	stopped   []string
	check     *domain.HealthCheck
}

func (f *fakeRuntime) Available() bool { return f.available }

func (f *fakeRuntime) Logs(context.Context, string, int) ([]string, error) {
	return f.lines, nil
}

func (f *fakeRuntime) Check(_ context.Context, id string) (*domain.HealthCheck, error) {
	if f.check == nil {
		return nil, repository.ErrNotFound
	}
	return f.check, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return nil
}

type fakeArtifacts struct {
	removed []string
}

func (f *fakeArtifacts) Remove(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

type fakeBuilds struct {
	cleaned []string
}

func (f *fakeBuilds) CleanupByID(deploymentID string) error {
	f.cleaned = append(f.cleaned, deploymentID)
	return nil
}

type harness struct {
	router      *Router
	deploy      *fakeDeploy
	projects    *memProjects
	deployments *memDeployments
	logs        *fixedLogs
	stages      *fixedStages
	health      *memHealth
	runtime     *fakeRuntime
	artifacts   *fakeArtifacts
	builds      *fakeBuilds
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		deploy:      &fakeDeploy{},
		projects:    newMemProjects(),
		deployments: newMemDeployments(),
		logs:        &fixedLogs{},
		stages:      &fixedStages{},
		health:      &memHealth{},
		runtime:     &fakeRuntime{available: true},
		artifacts:   &fakeArtifacts{},
		builds:      &fakeBuilds{},
	}
	h.router = NewRouter(Deps{
		Deploy:      h.deploy,
		Logs:        h.logs,
		Stages:      h.stages,
		Deployments: h.deployments,
		Projects:    h.projects,
		Health:      h.health,
		Runtime:     h.runtime,
		Artifacts:   h.artifacts,
		Builds:      h.builds,
		Hub:         ws.NewHub(),
		Registry:    prometheus.NewRegistry(),
	}, opts)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	h.router.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateProjectValidation(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "site"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/projects", map[string]any{"name": "site", "repository": "owner/repo", "runtime": "vm"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad runtime status = %d, want 400", rec.Code)
	}
}

func TestCreateAndGetProject(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/projects", map[string]any{
		"name":       "My Site",
		"repository": "owner/repo",
		"branch":     "main",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created project has no id")
	}
	if created["runtime"] != domain.RuntimeStatic {
		t.Fatalf("runtime = %v, want static default", created["runtime"])
	}

	rec = h.do(t, http.MethodGet, "/api/projects/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["name"]; got != "My Site" {
		t.Fatalf("name = %v", got)
	}

	rec = h.do(t, http.MethodGet, "/api/projects/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project status = %d, want 404", rec.Code)
	}
}

func TestUpdateProjectPartial(t *testing.T) {
	h := newHarness(t, Options{})
	h.projects.items["p1"] = &domain.Project{ID: "p1", Name: "old", Repository: "owner/repo", Runtime: domain.RuntimeStatic}

	rec := h.do(t, http.MethodPut, "/api/projects/p1", map[string]any{"build_command": "npm run dist"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	p := h.projects.items["p1"]
	if p.BuildCommand != "npm run dist" {
		t.Fatalf("build command = %q", p.BuildCommand)
	}
	if p.Name != "old" {
		t.Fatalf("name changed unexpectedly to %q", p.Name)
	}
}

func TestCreateDeployment(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/deployments", map[string]any{
		"project_id":    "p1",
		"branch":        "feature",
		"is_production": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(h.deploy.triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(h.deploy.triggers))
	}
	got := h.deploy.triggers[0]
	if got.ProjectID != "p1" || got.Branch != "feature" || !got.IsProduction {
		t.Fatalf("trigger request = %+v", got)
	}
	if got.CreatorType != domain.CreatorManual {
		t.Fatalf("creator = %q, want manual", got.CreatorType)
	}
}

func TestCreateDeploymentUnknownProject(t *testing.T) {
	h := newHarness(t, Options{})
	h.deploy.err = repository.ErrNotFound

	rec := h.do(t, http.MethodPost, "/api/deployments", map[string]any{"project_id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateDeploymentRequiresProjectID(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/deployments", map[string]any{"branch": "main"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(h.deploy.triggers) != 0 {
		t.Fatal("trigger was called without project_id")
	}
}

func TestWebhookBranchFromRef(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/webhooks/p1", map[string]any{"ref": "refs/heads/dev"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := h.deploy.triggers[0]
	if got.Branch != "dev" {
		t.Fatalf("branch = %q, want dev", got.Branch)
	}
	if got.CreatorType != domain.CreatorWebhook {
		t.Fatalf("creator = %q, want webhook", got.CreatorType)
	}
}

func TestWebhookEmptyBodyUsesProjectDefaults(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/webhooks/p1", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := h.deploy.triggers[0].Branch; got != "" {
		t.Fatalf("branch = %q, want empty for project default", got)
	}
}

func TestCancelDeploymentConflict(t *testing.T) {
	h := newHarness(t, Options{})
	h.deploy.cancelErr = fmt.Errorf("%w: deployment already success", repository.ErrInvalidArgument)

	rec := h.do(t, http.MethodPost, "/api/deployments/dep-1/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCancelDeployment(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/api/deployments/dep-1/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(h.deploy.cancelled) != 1 || h.deploy.cancelled[0] != "dep-1" {
		t.Fatalf("cancelled = %v", h.deploy.cancelled)
	}
}

func TestDeleteDeploymentTearsDown(t *testing.T) {
	h := newHarness(t, Options{})
	h.deployments.items["dep-1"] = &domain.Deployment{ID: "dep-1", ProjectID: "p1", Status: domain.StatusSuccess}

	rec := h.do(t, http.MethodDelete, "/api/deployments/dep-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !h.deployments.items["dep-1"].IsDeleted {
		t.Fatal("deployment not soft deleted")
	}
	if len(h.runtime.stopped) != 1 || h.runtime.stopped[0] != "dep-1" {
		t.Fatalf("runtime stops = %v", h.runtime.stopped)
	}
	if len(h.artifacts.removed) != 1 || h.artifacts.removed[0] != "dep-1" {
		t.Fatalf("artifacts removed = %v", h.artifacts.removed)
	}
	if len(h.builds.cleaned) != 1 || h.builds.cleaned[0] != "dep-1" {
		t.Fatalf("workspaces cleaned = %v", h.builds.cleaned)
	}

	rec = h.do(t, http.MethodGet, "/api/deployments/dep-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted deployment status = %d, want 404", rec.Code)
	}
}

func TestListLogsShape(t *testing.T) {
	h := newHarness(t, Options{})
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	h.logs.entries = []domain.DeploymentLog{
		{DeploymentID: "dep-1", Timestamp: ts, Level: domain.LevelInfo, Message: "Cloning"},
		{DeploymentID: "dep-1", Timestamp: ts.Add(time.Second), Level: domain.LevelError, Message: "boom"},
	}

	rec := h.do(t, http.MethodGet, "/api/deployments/dep-1/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	logs, _ := body["logs"].([]any)
	if len(logs) != 2 {
		t.Fatalf("logs = %d entries, want 2", len(logs))
	}
	first, _ := logs[0].(map[string]any)
	if first["level"] != "info" || first["message"] != "Cloning" {
		t.Fatalf("first entry = %v", first)
	}
}

func TestListStages(t *testing.T) {
	h := newHarness(t, Options{})
	h.stages.stages = []domain.DeploymentStage{
		{StageName: "queued", Status: "completed"},
		{StageName: "cloning", Status: "in_progress"},
	}

	rec := h.do(t, http.MethodGet, "/api/deployments/dep-1/stages", nil)
	body := decodeBody(t, rec)
	stages, _ := body["stages"].([]any)
	if len(stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(stages))
	}
	second, _ := stages[1].(map[string]any)
	if second["stage_name"] != "cloning" || second["status"] != "in_progress" {
		t.Fatalf("second stage = %v", second)
	}
}

func TestContainerLogsPrefix(t *testing.T) {
	h := newHarness(t, Options{})
	h.runtime.lines = []string{"listening on 3000"}

	rec := h.do(t, http.MethodGet, "/api/deployments/dep-1/container/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	lines, _ := body["lines"].([]any)
	if len(lines) != 1 || lines[0] != "[container] listening on 3000" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestContainerLogsRuntimeUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	h.runtime.available = false

	rec := h.do(t, http.MethodGet, "/api/deployments/dep-1/container/logs", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestLatestHealth(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodGet, "/api/deployments/dep-1/health", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no history status = %d, want 404", rec.Code)
	}

	status := 200
	h.health.latest = &domain.HealthCheck{DeploymentID: "dep-1", URL: "http://localhost:30001/", HTTPStatus: &status, IsLive: true, CheckedAt: time.Now().UTC()}
	rec = h.do(t, http.MethodGet, "/api/deployments/dep-1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["is_live"]; got != true {
		t.Fatalf("is_live = %v", got)
	}
}

func TestDeployRateLimit(t *testing.T) {
	h := newHarness(t, Options{DeployRateLimit: 1, DeployRateWindow: time.Minute})

	rec := h.do(t, http.MethodPost, "/api/deployments", map[string]any{"project_id": "p1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec = h.do(t, http.MethodPost, "/api/deployments", map[string]any{"project_id": "p1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if len(h.deploy.triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(h.deploy.triggers))
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	h.router.dbHealth = func(context.Context) error { return errors.New("connection refused") }
	rec = h.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:4444"
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("clientIP = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("forwarded clientIP = %q", got)
	}
}

func TestMemoryRateLimiterWindowReset(t *testing.T) {
	l := newMemoryRateLimiter()
	dec, err := l.Allow(context.Background(), "k", 2, 50*time.Millisecond)
	if err != nil || !dec.Allowed {
		t.Fatalf("first = %+v, err %v", dec, err)
	}
	l.Allow(context.Background(), "k", 2, 50*time.Millisecond)
	dec, _ = l.Allow(context.Background(), "k", 2, 50*time.Millisecond)
	if dec.Allowed {
		t.Fatal("third request inside window allowed")
	}
	time.Sleep(60 * time.Millisecond)
	dec, _ = l.Allow(context.Background(), "k", 2, 50*time.Millisecond)
	if !dec.Allowed {
		t.Fatal("request after window reset denied")
	}
}
