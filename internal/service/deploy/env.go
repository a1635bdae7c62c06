package deploy

import (
	"fmt"
	"os"
	"strings"
)

// parseEnvBlob splits a KEY=VALUE-per-line blob. Blank lines, comments,
// and lines without an equals sign are skipped.
func parseEnvBlob(blob string) []string {
	var pairs []string
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		pairs = append(pairs, key+"="+strings.TrimSpace(value))
	}
	return pairs
}

// env builds the subprocess environment: the parent environment, the
// project overlay, the deployment overlay, and the pipeline's own
// variables, in increasing precedence.
func (p *pipeline) env() []string {
	env := os.Environ()
	env = append(env, parseEnvBlob(p.project.EnvVars)...)
	env = append(env, p.overlay()...)
	return env
}

// overlay is the deployment-specific portion of the environment, also
// handed to started containers.
func (p *pipeline) overlay() []string {
	pairs := parseEnvBlob(p.dep.EnvVars)
	pairs = append(pairs,
		fmt.Sprintf("STACKD_DEPLOYMENT_ID=%s", p.dep.ID),
		fmt.Sprintf("STACKD_REPOSITORY=%s", p.project.Repository),
		fmt.Sprintf("STACKD_BRANCH=%s", p.dep.Branch),
	)
	return pairs
}

func (p *pipeline) overlayMap() map[string]string {
	out := make(map[string]string)
	for _, pair := range p.overlay() {
		if key, value, ok := strings.Cut(pair, "="); ok {
			out[key] = value
		}
	}
	return out
}
