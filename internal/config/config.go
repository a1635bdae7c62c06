package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the stackd service.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	BackendURL    string

	WorkspaceRoot string
	ArtifactsRoot string

	BuildTimeout   time.Duration
	DefaultBranch  string
	DefaultBuild   string
	DefaultOutputs []string

	DockerEnable          bool
	DockerHost            string
	RuntimePortStart      int
	RuntimePortEnd        int
	ContainerStartTimeout time.Duration

	KubernetesEnable bool
	KubeNamespace    string

	JenkinsEnable   bool
	JenkinsURL      string
	JenkinsUser     string
	JenkinsAPIToken string
	JenkinsJobName  string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	DeployRateLimit    int
	DeployRateWindow   time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("STACKD_ADDR", ":8000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://stackd:stackd@db:5432/stackd?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./migrations"),
		BackendURL:    GetString("BACKEND_URL", "http://localhost:8000"),

		WorkspaceRoot: GetString("STACKD_BUILD_DIR", ".stackd_builds"),
		ArtifactsRoot: GetString("STACKD_DEPLOY_DIR", "./deployments"),

		BuildTimeout:   time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 1200)) * time.Second,
		DefaultBranch:  GetString("DEFAULT_BRANCH", "main"),
		DefaultBuild:   GetString("DEFAULT_BUILD_COMMAND", "npm run build"),
		DefaultOutputs: []string{"dist", "build", "out", "public", "site"},

		DockerEnable:          GetBool("DOCKER_ENABLE", false),
		DockerHost:            GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		RuntimePortStart:      GetInt("RUNTIME_PORT_RANGE_START", 30000),
		RuntimePortEnd:        GetInt("RUNTIME_PORT_RANGE_END", 39999),
		ContainerStartTimeout: time.Duration(GetInt("CONTAINER_START_TIMEOUT", 600)) * time.Second,

		KubernetesEnable: GetBool("KUBERNETES_ENABLE", false),
		KubeNamespace:    GetString("KUBE_NAMESPACE", "stackd"),

		JenkinsEnable:   GetBool("JENKINS_ENABLE", false),
		JenkinsURL:      GetString("JENKINS_URL", ""),
		JenkinsUser:     GetString("JENKINS_USER", ""),
		JenkinsAPIToken: GetString("JENKINS_API_TOKEN", ""),
		JenkinsJobName:  GetString("JENKINS_JOB_NAME", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		DeployRateLimit:    GetInt("DEPLOY_RATE_LIMIT", 30),
		DeployRateWindow:   time.Duration(GetInt("DEPLOY_RATE_WINDOW_SECONDS", 60)) * time.Second,
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
