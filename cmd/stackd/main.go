package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stackd/stackd/internal/artifacts"
	"github.com/stackd/stackd/internal/cancel"
	"github.com/stackd/stackd/internal/ci"
	"github.com/stackd/stackd/internal/config"
	"github.com/stackd/stackd/internal/docker"
	httpx "github.com/stackd/stackd/internal/http"
	"github.com/stackd/stackd/internal/kube"
	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/migrate"
	"github.com/stackd/stackd/internal/repository/postgres"
	"github.com/stackd/stackd/internal/runner"
	"github.com/stackd/stackd/internal/runtime"
	"github.com/stackd/stackd/internal/service/deploy"
	"github.com/stackd/stackd/internal/service/logs"
	"github.com/stackd/stackd/internal/stage"
	"github.com/stackd/stackd/internal/workspace"
	"github.com/stackd/stackd/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("stackd", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	migrator, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer migrator.Close()
	if err := migrator.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare build workspace", "dir", cfg.WorkspaceRoot, "error", err)
		os.Exit(1)
	}
	publisher, err := artifacts.NewPublisher(cfg.ArtifactsRoot, cfg.DefaultOutputs)
	if err != nil {
		log.Error("failed to prepare artifacts directory", "dir", cfg.ArtifactsRoot, "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	logSvc := logs.New(repo, hub, log)
	tracker := stage.NewTracker(repo)

	var (
		images     deploy.ImageBuilder
		runtimeMgr *runtime.Manager
	)
	if cfg.DockerEnable {
		cli, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Warn("docker unavailable, container features disabled", "error", err)
		} else if err := cli.Ping(ctx); err != nil {
			log.Warn("docker ping failed, container features disabled", "error", err)
			cli.Close()
		} else {
			images = cli
			runtimeMgr = runtime.NewManager(cli, repo, repo, log, runtime.Options{
				PortStart:    cfg.RuntimePortStart,
				PortEnd:      cfg.RuntimePortEnd,
				StartTimeout: cfg.ContainerStartTimeout,
			})
			log.Info("docker runtime enabled", "host", cfg.DockerHost)
		}
	}

	var cluster deploy.ClusterRollout
	if cfg.KubernetesEnable {
		kubeMgr, err := kube.New(cfg.KubeNamespace, 2*time.Minute, log)
		if err != nil {
			log.Warn("kubernetes unavailable, cluster rollout disabled", "error", err)
		} else {
			cluster = kubeMgr
			log.Info("kubernetes rollout enabled", "namespace", cfg.KubeNamespace)
		}
	}

	var ciTrigger deploy.CITrigger
	if cfg.JenkinsEnable {
		jenkins := ci.NewJenkins(ci.JenkinsConfig{
			BaseURL:    cfg.JenkinsURL,
			User:       cfg.JenkinsUser,
			APIToken:   cfg.JenkinsAPIToken,
			DefaultJob: cfg.JenkinsJobName,
		}, log)
		if jenkins != nil {
			ciTrigger = jenkins
			log.Info("jenkins trigger enabled", "url", cfg.JenkinsURL)
		}
	}

	deployDeps := deploy.Deps{
		Deployments: repo,
		Projects:    repo,
		Stages:      tracker,
		Logs:        logSvc,
		Hub:         hub,
		Cancels:     cancel.NewRegistry(),
		Workspaces:  workspaces,
		Artifacts:   publisher,
		Runner:      runner.New(log),
		Images:      images,
		Cluster:     cluster,
		CI:          ciTrigger,
		Logger:      log,
	}
	if runtimeMgr != nil {
		deployDeps.Runtime = runtimeMgr
	}
	deploySvc := deploy.New(deployDeps, deploy.Options{
		BackendURL:    cfg.BackendURL,
		BuildTimeout:  cfg.BuildTimeout,
		DefaultBranch: cfg.DefaultBranch,
		DefaultBuild:  cfg.DefaultBuild,
	})

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RateLimitRedisPass,
			DB:       cfg.RateLimitRedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, falling back to in-memory rate limiting", "addr", addr, "error", err)
			redisClient = nil
		}
	}

	routerDeps := httpx.Deps{
		Logger:      log,
		Deploy:      deploySvc,
		Logs:        logSvc,
		Stages:      tracker,
		Deployments: repo,
		Projects:    repo,
		Health:      repo,
		Artifacts:   publisher,
		Builds:      workspaces,
		Hub:         hub,
		Redis:       redisClient,
		DBHealth:    pool.Ping,
	}
	if runtimeMgr != nil {
		routerDeps.Runtime = runtimeMgr
	}
	router := httpx.NewRouter(routerDeps, httpx.Options{
		DeployRateLimit:  cfg.DeployRateLimit,
		DeployRateWindow: cfg.DeployRateWindow,
		ArtifactsDir:     publisher.Root(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("stackd server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("waiting for in-flight deployments")
		deploySvc.Wait()
		log.Info("stackd server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
