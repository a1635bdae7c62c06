// Package detect inspects a checked-out repository to choose the build
// path: container builds when a Dockerfile is present, the static Node
// toolchain otherwise.
package detect

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Detection summarizes the contents of a repository workspace.
type Detection struct {
	HasDockerfile  bool
	HasPackageJSON bool
	// LambdaBase is true when the Dockerfile builds on an AWS Lambda base
	// image. Lambda containers listen on 8080 and expose no browsable HTTP
	// surface, which changes how the runtime probes them.
	LambdaBase bool
}

// Inspect examines the repository root.
func Inspect(dir string) Detection {
	d := Detection{
		HasDockerfile:  fileExists(filepath.Join(dir, "Dockerfile")),
		HasPackageJSON: fileExists(filepath.Join(dir, "package.json")),
	}
	if d.HasDockerfile {
		d.LambdaBase = lambdaBaseImage(filepath.Join(dir, "Dockerfile"))
	}
	return d
}

// InstallCommand picks the dependency install command from the lockfile
// present in the repository. Lockfiles win over heuristics so the build
// reproduces what the project's own CI would do.
func InstallCommand(dir string) string {
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm install"
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn install"
	case fileExists(filepath.Join(dir, "package-lock.json")):
		return "npm ci"
	default:
		return "npm install"
	}
}

// InstallTool returns the binary the install command shells out to, so
// callers can warn when the lockfile's package manager is absent.
func InstallTool(dir string) string {
	cmd := InstallCommand(dir)
	tool, _, _ := strings.Cut(cmd, " ")
	return tool
}

func lambdaBaseImage(dockerfile string) bool {
	f, err := os.Open(dockerfile)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "FROM ") && upper != "FROM" {
			continue
		}
		// Only the first FROM matters; later stages inherit its runtime.
		lower := strings.ToLower(line)
		return strings.Contains(lower, "public.ecr.aws/lambda") || strings.Contains(lower, "aws-lambda")
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
