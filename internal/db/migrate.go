package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrationFS returns the embedded migrations as a flat filesystem of .sql
// files.
func MigrationFS() (fs.FS, error) {
	sub, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
	}
	return sub, nil
}

// NewMigrator builds a goose provider for db.
func NewMigrator(db *sql.DB) (*goose.Provider, error) {
	migrationFS, err := MigrationFS()
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(database.DialectPostgres, db, migrationFS)
	if err != nil {
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, nil
}

// Migrate applies all pending migrations using a database/sql handle opened
// on top of pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	provider, err := NewMigrator(sqlDB)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"duration", r.Duration,
		)
	}
	return nil
}
