// Package app wires a workspace into a ready-to-use engine: database open,
// schema migration and config resolution in one step.
package app

import (
	"database/sql"
	"fmt"

	"chronotrial/internal/config"
	"chronotrial/internal/db"
	"chronotrial/internal/engine"
	"chronotrial/internal/migrate"
	"chronotrial/internal/repo"
)

// App is an opened workspace. Close it when done.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: creates the data directory if missing,
// opens the database, applies pending migrations and loads the config,
// falling back to defaults when chronotrial.yml is absent.
func Open(workspace string) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

// Repo returns a repository handle on the opened database.
func (a *App) Repo() repo.Repo {
	return repo.Repo{DB: a.DB}
}

func (a *App) Close() error {
	return a.DB.Close()
}
