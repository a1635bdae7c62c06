package detect

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInspectEmptyDir(t *testing.T) {
	d := Inspect(t.TempDir())
	if d.HasDockerfile || d.HasPackageJSON || d.LambdaBase {
		t.Fatalf("detection = %+v, want all false", d)
	}
}

func TestInspectDockerfileAndManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Dockerfile", "FROM node:20-alpine\nRUN npm ci\n")
	writeFile(t, dir, "package.json", "{}")

	d := Inspect(dir)
	if !d.HasDockerfile || !d.HasPackageJSON {
		t.Fatalf("detection = %+v", d)
	}
	if d.LambdaBase {
		t.Fatal("node base image should not be lambda")
	}
}

func TestInspectLambdaBase(t *testing.T) {
	cases := []struct {
		name       string
		dockerfile string
		want       bool
	}{
		{
			name:       "public ecr lambda",
			dockerfile: "FROM public.ecr.aws/lambda/python:3.12\nCOPY app.py .\n",
			want:       true,
		},
		{
			name:       "aws-lambda in image name",
			dockerfile: "from myregistry/aws-lambda-go:latest\n",
			want:       true,
		},
		{
			name:       "comment and blank lines before FROM",
			dockerfile: "# build image\n\nFROM public.ecr.aws/lambda/nodejs:20\n",
			want:       true,
		},
		{
			name:       "lambda only in later stage",
			dockerfile: "FROM node:20 AS build\nFROM public.ecr.aws/lambda/nodejs:20\n",
			want:       false,
		},
		{
			name:       "plain image",
			dockerfile: "FROM nginx:alpine\n",
			want:       false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "Dockerfile", tc.dockerfile)
			if got := Inspect(dir).LambdaBase; got != tc.want {
				t.Errorf("LambdaBase = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInstallCommandLockfilePriority(t *testing.T) {
	dir := t.TempDir()
	if got := InstallCommand(dir); got != "npm install" {
		t.Fatalf("no lockfile: %q", got)
	}

	writeFile(t, dir, "package-lock.json", "{}")
	if got := InstallCommand(dir); got != "npm ci" {
		t.Fatalf("package-lock: %q", got)
	}

	writeFile(t, dir, "yarn.lock", "")
	if got := InstallCommand(dir); got != "yarn install" {
		t.Fatalf("yarn.lock beats package-lock: %q", got)
	}

	writeFile(t, dir, "pnpm-lock.yaml", "")
	if got := InstallCommand(dir); got != "pnpm install" {
		t.Fatalf("pnpm-lock beats all: %q", got)
	}
}

func TestInstallTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "yarn.lock", "")
	if got := InstallTool(dir); got != "yarn" {
		t.Fatalf("InstallTool = %q, want yarn", got)
	}
}
