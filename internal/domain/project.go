package domain

import "time"

// Project runtimes.
const (
	RuntimeStatic = "static"
	RuntimeDocker = "docker"
)

// Project describes a deployable repository and its build configuration.
type Project struct {
	ID             string
	Name           string
	Repository     string
	Branch         string
	BuildCommand   string
	OutputDir      string
	EnvVars        string
	Runtime        string
	JenkinsJobName string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
