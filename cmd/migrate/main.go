package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackd/stackd/internal/config"
	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/migrate"
)

// migrate applies, inspects, or rolls back the database schema:
//
//	migrate            apply all pending migrations
//	migrate -down      roll back the latest migration
//	migrate -down -to N  roll back to version N
//	migrate -status    print applied and pending migrations
func main() {
	var (
		down    = flag.Bool("down", false, "roll back instead of applying")
		status  = flag.Bool("status", false, "print migration status and exit")
		to      = flag.Int64("to", 0, "target version for -down (0 means one step)")
		timeout = flag.Duration("timeout", time.Minute, "overall command timeout")
	)
	flag.Parse()

	log := logger.New("migrate", slog.LevelInfo)
	if err := run(*down, *status, *to, *timeout, log); err != nil {
		log.Error("migration command failed", "error", err)
		os.Exit(1)
	}
}

func run(down, status bool, target int64, timeout time.Duration, log *slog.Logger) error {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return err
	}
	defer runner.Close()

	switch {
	case status:
		return runner.Status(ctx)
	case down:
		return runner.Down(ctx, target)
	default:
		return runner.Up(ctx)
	}
}
