// Package logs persists deployment log lines and streams them to live
// subscribers in the same order they were written.
package logs

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackd/stackd/internal/domain"
	"github.com/stackd/stackd/internal/repository"
	"github.com/stackd/stackd/internal/ws"
)

// Service appends log lines and fans them out over the hub. Persistence
// failures are logged and swallowed; losing a log line must never fail a
// deployment.
type Service struct {
	store  repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Service. hub may be nil when streaming is disabled.
func New(store repository.LogRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	return &Service{store: store, hub: hub, logger: logger, now: time.Now}
}

// Append writes one line and broadcasts it to the deployment's stream.
func (s *Service) Append(ctx context.Context, deploymentID, level, message string) {
	message = strings.TrimRight(message, "\n")
	if message == "" {
		return
	}
	switch level {
	case domain.LevelInfo, domain.LevelWarning, domain.LevelError:
	default:
		level = domain.LevelInfo
	}

	entry := &domain.DeploymentLog{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Timestamp:    s.now().UTC(),
		Level:        level,
		Message:      message,
	}
	if err := s.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(deploymentID, ws.EventLogLine, map[string]any{
			"deployment_id": deploymentID,
			"timestamp":     entry.Timestamp.Format(time.RFC3339Nano),
			"level":         entry.Level,
			"message":       entry.Message,
		})
	}
}

// Info appends an informational line.
func (s *Service) Info(ctx context.Context, deploymentID, message string) {
	s.Append(ctx, deploymentID, domain.LevelInfo, message)
}

// Warning appends a warning line.
func (s *Service) Warning(ctx context.Context, deploymentID, message string) {
	s.Append(ctx, deploymentID, domain.LevelWarning, message)
}

// Error appends an error line.
func (s *Service) Error(ctx context.Context, deploymentID, message string) {
	s.Append(ctx, deploymentID, domain.LevelError, message)
}

// List returns persisted lines in write order.
func (s *Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	return s.store.ListLogsByDeployment(ctx, deploymentID, limit, offset)
}
