// Package ci triggers downstream CI jobs after successful deployments.
package ci

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JenkinsConfig holds connection details for a Jenkins controller.
type JenkinsConfig struct {
	BaseURL  string
	User     string
	APIToken string
	// DefaultJob is used when a project does not name its own job.
	DefaultJob string
}

// Jenkins triggers parameterized builds. Triggers are best-effort; the
// pipeline logs failures and moves on.
type Jenkins struct {
	cfg    JenkinsConfig
	client *http.Client
	logger *slog.Logger
}

// NewJenkins builds a trigger client. Returns nil when no base URL is
// configured, which callers treat as the integration being disabled.
func NewJenkins(cfg JenkinsConfig, logger *slog.Logger) *Jenkins {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Jenkins{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// BuildRequest carries the parameters forwarded to the job.
type BuildRequest struct {
	// Job overrides the configured default job when set.
	Job          string
	DeploymentID string
	Repository   string
	Branch       string
}

// Trigger fires a parameterized build. A 2xx or 3xx response counts as
// accepted; Jenkins answers 201 with a queue location.
func (j *Jenkins) Trigger(ctx context.Context, req BuildRequest) error {
	if j == nil {
		return fmt.Errorf("jenkins is not configured")
	}
	job := strings.TrimSpace(req.Job)
	if job == "" {
		job = j.cfg.DefaultJob
	}
	if job == "" {
		return fmt.Errorf("no jenkins job configured")
	}

	params := url.Values{}
	params.Set("DEPLOYMENT_ID", req.DeploymentID)
	params.Set("REPOSITORY", req.Repository)
	params.Set("BRANCH", req.Branch)

	endpoint := fmt.Sprintf("%s/job/%s/buildWithParameters", j.cfg.BaseURL, url.PathEscape(job))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("build jenkins request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if j.cfg.User != "" {
		httpReq.SetBasicAuth(j.cfg.User, j.cfg.APIToken)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("trigger jenkins job %s: %w", job, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("jenkins job %s returned %s", job, resp.Status)
	}
	j.logger.Info("jenkins build triggered", "job", job, "deployment_id", req.DeploymentID, "status", resp.StatusCode)
	return nil
}
