package logs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stackd/stackd/internal/domain"
)

type fakeLogStore struct {
	mu      sync.Mutex
	entries []domain.DeploymentLog
	fail    bool
}

func (f *fakeLogStore) AppendLog(ctx context.Context, entry *domain.DeploymentLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db down")
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLogStore) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeploymentLog
	for _, e := range f.entries {
		if e.DeploymentID == deploymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newService(store *fakeLogStore) *Service {
	return New(store, nil, slog.New(slog.DiscardHandler))
}

func TestAppendPersistsWithDefaults(t *testing.T) {
	store := &fakeLogStore{}
	svc := newService(store)

	svc.Append(context.Background(), "dep-1", "bogus-level", "cloning repository\n")

	if len(store.entries) != 1 {
		t.Fatalf("entries = %d", len(store.entries))
	}
	e := store.entries[0]
	if e.Level != domain.LevelInfo {
		t.Fatalf("level = %q, want info fallback", e.Level)
	}
	if e.Message != "cloning repository" {
		t.Fatalf("message = %q", e.Message)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatal("id or timestamp missing")
	}
}

func TestAppendSkipsEmptyLines(t *testing.T) {
	store := &fakeLogStore{}
	svc := newService(store)
	svc.Info(context.Background(), "dep-1", "\n")
	svc.Info(context.Background(), "dep-1", "")
	if len(store.entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(store.entries))
	}
}

func TestAppendSurvivesStoreFailure(t *testing.T) {
	store := &fakeLogStore{fail: true}
	svc := newService(store)
	svc.Error(context.Background(), "dep-1", "npm exited with code 1")
}

func TestListFiltersByDeployment(t *testing.T) {
	store := &fakeLogStore{}
	svc := newService(store)
	svc.Info(context.Background(), "dep-1", "one")
	svc.Info(context.Background(), "dep-2", "two")

	got, err := svc.List(context.Background(), "dep-1", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "one" {
		t.Fatalf("got = %v", got)
	}
}
