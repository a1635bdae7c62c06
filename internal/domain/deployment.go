package domain

import "time"

// Deployment statuses. The non-terminal values mirror the pipeline stage
// currently holding the deployment.
const (
	StatusQueued     = "queued"
	StatusCloning    = "cloning"
	StatusCheckout   = "checkout"
	StatusInstalling = "installing"
	StatusBuilding   = "building"
	StatusCopying    = "copying"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Creator kinds for a deployment.
const (
	CreatorManual  = "manual"
	CreatorWebhook = "webhook"
)

// Deployment captures a single build-and-release attempt. Rows are never
// physically removed; IsDeleted hides them from listings.
type Deployment struct {
	ID              string
	ProjectID       string
	Status          string
	Branch          string
	CommitHash      string
	CommitMessage   string
	Author          string
	CommitTimestamp *time.Time
	CreatorType     string
	IsProduction    bool
	EnvVars         string
	DurationSeconds *int
	FailedReason    string
	DeployedURL     string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	IsDeleted       bool
}

// DeploymentStage is one row per (deployment, stage name) pair.
type DeploymentStage struct {
	ID           string
	DeploymentID string
	StageName    string
	Status       string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	CreatedAt    time.Time
}
