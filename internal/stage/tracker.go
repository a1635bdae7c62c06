package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
)

// Tracker upserts stage rows with transition semantics: the first
// non-pending status stamps started_at, terminal statuses stamp
// completed_at and backfill started_at when a stage never truly started.
type Tracker struct {
	store repository.StageRepository
	now   func() time.Time
}

// NewTracker constructs a Tracker over the given store.
func NewTracker(store repository.StageRepository) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Set transitions the named stage of a deployment to status.
func (t *Tracker) Set(ctx context.Context, deploymentID string, key Key, status string) error {
	return t.SetError(ctx, deploymentID, key, status, "")
}

// SetError is Set with an error message attached to the stage row.
func (t *Tracker) SetError(ctx context.Context, deploymentID string, key Key, status, errMsg string) error {
	name, ok := Labels[key]
	if !ok {
		return fmt.Errorf("unknown stage key %q", key)
	}
	now := t.now()

	row, err := t.store.GetStage(ctx, deploymentID, name)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		row = &domain.DeploymentStage{
			ID:           uuid.NewString(),
			DeploymentID: deploymentID,
			StageName:    name,
			Status:       status,
			CreatedAt:    now,
		}
		if status != StatusPending {
			row.StartedAt = &now
		}
		if errMsg != "" {
			row.ErrorMessage = errMsg
		}
		if Terminal(status) {
			if row.StartedAt == nil {
				row.StartedAt = &now
			}
			row.CompletedAt = &now
		}
		return t.store.CreateStage(ctx, row)
	}

	row.Status = status
	if status == StatusInProgress && row.StartedAt == nil {
		row.StartedAt = &now
	}
	if errMsg != "" {
		row.ErrorMessage = errMsg
	}
	if Terminal(status) {
		if row.StartedAt == nil {
			row.StartedAt = &now
		}
		row.CompletedAt = &now
	}
	return t.store.UpdateStage(ctx, row)
}

// List returns a deployment's stage rows in pipeline order.
func (t *Tracker) List(ctx context.Context, deploymentID string) ([]domain.DeploymentStage, error) {
	stages, err := t.store.ListStagesByDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(stages, func(i, j int) bool {
		oi, iok := orderIndex[stages[i].StageName]
		oj, jok := orderIndex[stages[j].StageName]
		if !iok {
			oi = len(Order)
		}
		if !jok {
			oj = len(Order)
		}
		return oi < oj
	})
	return stages, nil
}
