package ci

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTriggerPostsParameters(t *testing.T) {
	var got *http.Request
	var params map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = r.ParseForm()
		params = map[string]string{
			"DEPLOYMENT_ID": r.PostFormValue("DEPLOYMENT_ID"),
			"REPOSITORY":    r.PostFormValue("REPOSITORY"),
			"BRANCH":        r.PostFormValue("BRANCH"),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	j := NewJenkins(JenkinsConfig{
		BaseURL:    srv.URL + "/",
		User:       "deployer",
		APIToken:   "secret",
		DefaultJob: "site-deploy",
	}, testLogger())

	err := j.Trigger(context.Background(), BuildRequest{
		DeploymentID: "dep-1",
		Repository:   "owner/repo",
		Branch:       "main",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got.URL.Path != "/job/site-deploy/buildWithParameters" {
		t.Fatalf("path = %q", got.URL.Path)
	}
	if user, pass, ok := got.BasicAuth(); !ok || user != "deployer" || pass != "secret" {
		t.Fatal("basic auth not forwarded")
	}
	if params["DEPLOYMENT_ID"] != "dep-1" || params["REPOSITORY"] != "owner/repo" || params["BRANCH"] != "main" {
		t.Fatalf("params = %v", params)
	}
}

func TestTriggerJobOverride(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer srv.Close()

	j := NewJenkins(JenkinsConfig{BaseURL: srv.URL, DefaultJob: "default-job"}, testLogger())
	if err := j.Trigger(context.Background(), BuildRequest{Job: "custom-job", DeploymentID: "d"}); err != nil {
		t.Fatal(err)
	}
	if path != "/job/custom-job/buildWithParameters" {
		t.Fatalf("path = %q", path)
	}
}

func TestTriggerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	j := NewJenkins(JenkinsConfig{BaseURL: srv.URL, DefaultJob: "job"}, testLogger())
	if err := j.Trigger(context.Background(), BuildRequest{DeploymentID: "d"}); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestNewJenkinsDisabledWithoutBaseURL(t *testing.T) {
	if j := NewJenkins(JenkinsConfig{}, testLogger()); j != nil {
		t.Fatal("expected nil client without base URL")
	}
	var j *Jenkins
	if err := j.Trigger(context.Background(), BuildRequest{}); err == nil {
		t.Fatal("nil client should refuse to trigger")
	}
}

func TestTriggerNoJobConfigured(t *testing.T) {
	j := NewJenkins(JenkinsConfig{BaseURL: "http://localhost:1"}, testLogger())
	if err := j.Trigger(context.Background(), BuildRequest{}); err == nil {
		t.Fatal("expected error when no job is configured")
	}
}
