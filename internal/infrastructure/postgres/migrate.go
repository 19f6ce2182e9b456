package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// Migrate runs a goose command against the embedded migrations.
// Supported commands are up, down, status and version.
func Migrate(ctx context.Context, db *DB, command string, log logrus.FieldLogger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(log)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db.DB, migrationsDir)
	case "down":
		err = goose.DownContext(ctx, db.DB, migrationsDir)
	case "status":
		err = goose.StatusContext(ctx, db.DB, migrationsDir)
	case "version":
		err = goose.VersionContext(ctx, db.DB, migrationsDir)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}
