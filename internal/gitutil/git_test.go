package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestCloneURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"owner/repo", "https://github.com/owner/repo.git"},
		{"owner/repo.git", "https://github.com/owner/repo.git"},
		{"https://github.com/owner/repo.git", "https://github.com/owner/repo.git"},
		{"https://gitlab.com/group/project", "https://gitlab.com/group/project"},
		{"git@github.com:owner/repo.git", "git@github.com:owner/repo.git"},
		{"  owner/repo  ", "https://github.com/owner/repo.git"},
		{"justaname", "justaname"},
		{"a/b/c", "a/b/c"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CloneURL(tc.in); got != tc.want {
			t.Errorf("CloneURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBranchFallback(t *testing.T) {
	if got := Branch("feature/x", "develop", "main"); got != "feature/x" {
		t.Fatalf("deployment branch lost: %q", got)
	}
	if got := Branch("", "develop", "main"); got != "develop" {
		t.Fatalf("project branch lost: %q", got)
	}
	if got := Branch("  ", "", "main"); got != "main" {
		t.Fatalf("fallback lost: %q", got)
	}
}

func TestHeadCommit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Test Author", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=Test Author", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit | with pipe")

	c, ok := HeadCommit(dir)
	if !ok {
		t.Fatal("HeadCommit failed on a valid repository")
	}
	if len(c.Hash) != 40 {
		t.Fatalf("hash = %q", c.Hash)
	}
	if c.Author != "Test Author" {
		t.Fatalf("author = %q", c.Author)
	}
	if c.Message != "initial commit | with pipe" {
		t.Fatalf("message = %q", c.Message)
	}
	if c.Timestamp == nil {
		t.Fatal("timestamp missing")
	}
}

func TestHeadCommitNotARepo(t *testing.T) {
	if _, ok := HeadCommit(t.TempDir()); ok {
		t.Fatal("expected failure outside a repository")
	}
}
