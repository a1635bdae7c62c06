package domain

import "time"

// Log severities.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// DeploymentLog is one append-only line of pipeline output or narrative.
// Timestamp order matches the order lines were produced.
type DeploymentLog struct {
	ID           string
	DeploymentID string
	Timestamp    time.Time
	Level        string
	Message      string
}
