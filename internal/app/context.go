// Package app wires workspace context for the CLI: active project selection
// and config loading with seeded defaults.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sceneline/internal/config"
	"sceneline/internal/domain"
	"sceneline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures its row plus a
// local active account exist, seeding defaults when missing. Preference
// order: explicit override, then the single project in the database. Config
// comes from sceneline.yml when present, otherwise seeded defaults.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, accountID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, accountID); err != nil {
			return "", nil, err
		}
	}

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

func createProject(ctx context.Context, r repo.Repo, projectID, accountID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if accountID == "" {
		accountID = "local-user"
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureAccount(ctx, tx, accountID, domain.AccountActive, now); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	p := domain.Project{
		ID:        projectID,
		OwnerID:   accountID,
		Title:     projectID,
		CreatedAt: now,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return tx.Commit()
}
