// Package main implements the schema migration CLI for fedilogin.
//
// Usage:
//
//	go run ./cmd/migrate            # apply pending migrations
//	go run ./cmd/migrate status     # list applied and pending versions
//	go run ./cmd/migrate down       # roll back the latest migration
//
// DATABASE_URL is read from the environment (or .env).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pressly/goose/v3"

	"fedilogin/internal/db"
	"fedilogin/internal/types"
)

type migrateEnv struct {
	DatabaseURL types.SecretString `envconfig:"DATABASE_URL" required:"true"`
}

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, flag.Arg(0), os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, out io.Writer, logger *slog.Logger) error {
	if command == "" {
		command = "up"
	}
	if command != "up" && command != "status" && command != "down" {
		return fmt.Errorf("unknown command %q (want up, status or down)", command)
	}

	_ = godotenv.Load()
	var env migrateEnv
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if env.DatabaseURL.IsZero() {
		return fmt.Errorf("DATABASE_URL is empty")
	}

	pool, err := pgxpool.New(ctx, env.DatabaseURL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	if command == "up" {
		return db.Migrate(ctx, pool, logger)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	provider, err := db.NewMigrator(sqlDB)
	if err != nil {
		return err
	}

	switch command {
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return fmt.Errorf("reading migration status: %w", err)
		}
		printStatus(out, statuses)
	case "down":
		result, err := provider.Down(ctx)
		if err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
		logger.Info("migration rolled back",
			"version", result.Source.Version,
			"duration", result.Duration,
		)
	}
	return nil
}

func printStatus(out io.Writer, statuses []*goose.MigrationStatus) {
	for _, s := range statuses {
		applied := "pending"
		if s.State == goose.StateApplied {
			applied = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%05d  %-25s  %s\n", s.Source.Version, applied, s.Source.Path)
	}
}
