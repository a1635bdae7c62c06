// Package workspace owns the per-deployment build directories where
// repositories are cloned and built.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager allocates isolated build directories under a common root.
type Manager struct {
	root string
}

// New ensures the root exists and returns a Manager for it.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Path returns the build directory for a deployment without creating it.
func (m *Manager) Path(deploymentID string) string {
	return filepath.Join(m.root, deploymentID)
}

// Prepare creates a fresh, empty build directory for a deployment. Any
// leftovers from an earlier attempt with the same identifier are removed
// first so retries never build on stale state.
func (m *Manager) Prepare(deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("deployment identifier cannot be empty")
	}
	dir := m.Path(deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset build directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create build directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes a build directory. Paths outside the root are refused.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove path outside workspace root: %s", path)
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the build directory for a deployment.
func (m *Manager) CleanupByID(deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment identifier cannot be empty")
	}
	return m.Cleanup(m.Path(deploymentID))
}
