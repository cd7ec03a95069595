// Package app wires a workspace into a running engine for CLI entry points.
package app

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

// Open opens the workspace database, applies migrations and returns a ready
// engine. The returned closer must be called when done.
func Open(workspace string) (*engine.Engine, func(), error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	eng := engine.New(conn, cfg)
	return eng, func() { conn.Close() }, nil
}

// ResolveProject picks the active project: an explicit override (project ID
// or name), otherwise the single project in the workspace.
func ResolveProject(ctx context.Context, override string, r repo.Repo) (domain.Project, error) {
	if override != "" {
		if p, err := r.GetProject(ctx, override); err == nil {
			return p, nil
		}
		p, err := r.GetProjectByName(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("project %q not found", override)
		}
		return p, err
	}
	p, err := r.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("no projects in workspace; run sgl project init")
	}
	return p, err
}
