package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"forecast-collector/pkg/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Direction selects which way Migrate moves the schema
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migrate applies (or reverts) the embedded schema migrations against dbURL,
// a postgres:// URL as returned by Config.URL. Already-applied migrations are
// skipped, so it is safe to run on every deploy.
func Migrate(ctx context.Context, dbURL string, direction Direction, logger *logging.StructuredLogger) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info(ctx, "[MIGRATE] Empty database, no migrations applied yet", nil)
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	case dirty:
		return fmt.Errorf("database is dirty at version %d, fix it manually and force the version", version)
	default:
		logger.Info(ctx, "[MIGRATE] Current migration version", logging.Fields{"version": version})
	}

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info(ctx, "[MIGRATE] Database is up to date", logging.Fields{"direction": string(direction)})
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	logger.Info(ctx, "[MIGRATE] Migrations applied", logging.Fields{"direction": string(direction)})
	return nil
}
