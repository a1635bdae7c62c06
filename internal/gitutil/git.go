// Package gitutil wraps the git operations the pipeline performs on
// project repositories.
package gitutil

import (
	"bytes"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CloneURL expands shorthand repository references. A bare "owner/repo"
// becomes an HTTPS GitHub URL; anything that already looks like a URL or
// SSH remote is returned untouched.
func CloneURL(repository string) string {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return repository
	}
	if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
		return repository
	}
	trimmed := strings.TrimSuffix(repository, ".git")
	if parts := strings.Split(trimmed, "/"); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return "https://github.com/" + trimmed + ".git"
	}
	return repository
}

// Branch selects the branch for a deployment: the deployment's own
// branch, then the project default, then fallback.
func Branch(deploymentBranch, projectBranch, fallback string) string {
	if b := strings.TrimSpace(deploymentBranch); b != "" {
		return b
	}
	if b := strings.TrimSpace(projectBranch); b != "" {
		return b
	}
	return fallback
}

// Commit describes the checked-out HEAD of a workspace.
type Commit struct {
	Hash      string
	Message   string
	Author    string
	Timestamp *time.Time
}

// HeadCommit reads commit metadata from the repository at dir. It is
// best-effort; a deployment proceeds without metadata when git fails.
func HeadCommit(dir string) (Commit, bool) {
	hash, ok := gitOutput(dir, "rev-parse", "HEAD")
	if !ok || hash == "" {
		return Commit{}, false
	}
	c := Commit{Hash: hash}

	// Author and timestamp lead so the free-form message absorbs any
	// separator characters of its own.
	if raw, ok := gitOutput(dir, "log", "-1", "--pretty=format:%an|%at|%B"); ok {
		parts := strings.SplitN(raw, "|", 3)
		if len(parts) == 3 {
			c.Author = strings.TrimSpace(parts[0])
			if secs, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
				t := time.Unix(secs, 0).UTC()
				c.Timestamp = &t
			}
			c.Message = strings.TrimSpace(parts[2])
		}
	}
	return c, true
}

func gitOutput(dir string, args ...string) (string, bool) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", false
	}
	return strings.TrimSpace(out.String()), true
}
