// Package artifacts locates build output inside a workspace and publishes
// it atomically into the serving directory.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Publisher copies finished build output under a serving root, one
// directory per deployment.
type Publisher struct {
	root     string
	defaults []string
}

// NewPublisher ensures the serving root exists. defaults is the ordered
// list of output directory names tried when a project does not configure
// one.
func NewPublisher(root string, defaults []string) (*Publisher, error) {
	if root == "" {
		return nil, fmt.Errorf("artifacts root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifacts root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts root: %w", err)
	}
	return &Publisher{root: abs, defaults: defaults}, nil
}

// Root returns the absolute serving root.
func (p *Publisher) Root() string { return p.root }

// Dir returns the serving directory for a deployment.
func (p *Publisher) Dir(deploymentID string) string {
	return filepath.Join(p.root, deploymentID)
}

// Resolve finds the directory holding build output inside repoDir. The
// project's configured directory is tried first, then the defaults. A
// repository with no package.json is treated as a plain static site and
// served from its root when no candidate matches.
func (p *Publisher) Resolve(repoDir, configured string, hasManifest bool) (string, error) {
	var tried []string
	candidates := p.defaults
	if c := strings.TrimSpace(configured); c != "" {
		candidates = append([]string{c}, p.defaults...)
	}
	for _, name := range candidates {
		dir := filepath.Join(repoDir, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
		tried = append(tried, name)
	}
	if !hasManifest {
		return repoDir, nil
	}
	return "", fmt.Errorf("no build output directory found, tried: %s", strings.Join(tried, ", "))
}

// ErrNoEntryPoint is returned when the build output lacks a top-level
// index.html. The previous artifact directory, if any, is left in place.
var ErrNoEntryPoint = errors.New("build output has no index.html")

// Publish copies outputDir into the serving root for deploymentID. The
// copy lands in a temporary sibling first and is swapped in with a
// rename, so readers never observe a half-copied site. Output without a
// top-level index.html is rejected before the swap.
func (p *Publisher) Publish(deploymentID, outputDir string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment identifier cannot be empty")
	}
	final := p.Dir(deploymentID)
	tmp := final + "__tmp"

	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("reset staging directory: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := os.CopyFS(tmp, os.DirFS(outputDir)); err != nil {
		return fmt.Errorf("copy build output: %w", err)
	}

	if info, err := os.Stat(filepath.Join(tmp, "index.html")); err != nil || info.IsDir() {
		return ErrNoEntryPoint
	}

	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove previous artifacts: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("publish artifacts: %w", err)
	}
	return nil
}

// Remove deletes the published artifacts for a deployment.
func (p *Publisher) Remove(deploymentID string) error {
	if deploymentID == "" {
		return nil
	}
	return os.RemoveAll(p.Dir(deploymentID))
}
