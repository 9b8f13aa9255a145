package app

import (
	"context"
	"database/sql"
	"fmt"

	"tipline/internal/config"
	"tipline/internal/db"
	"tipline/internal/log"
	"tipline/internal/migrate"
	"tipline/internal/repo"
)

// LoadConfig reads the node config from configPath, or from the workspace
// default location, falling back to the built-in config when absent.
func LoadConfig(workspace, configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.FromFile(configPath)
	}
	return config.LoadOptional(workspace)
}

// Open prepares a workspace for serving: the database is migrated and the
// configured receivers and contexts are seeded into it.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		log.Infof("applied %d migrations to %s", applied, db.Path(workspace))
	}
	if err := (repo.Repo{DB: conn}).Seed(ctx, cfg.Receivers, cfg.DomainContexts()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return conn, nil
}
