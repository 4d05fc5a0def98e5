package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

func (c *Client) CreateProject(ctx context.Context, name string, companyID int64) (*models.Project, error) {
	if name == "" {
		return nil, errs.Validation("create project", "project name is required")
	}

	now := c.now()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tender_projects (project_name, company_id, status, created_at, updated_at) VALUES (?, ?, 'active', ?, ?)`,
		name, companyID, millis(now), millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}

	logger.Info("Project created", zap.Int64("project_id", id), zap.String("name", name))

	return &models.Project{
		ProjectID:   id,
		ProjectName: name,
		CompanyID:   companyID,
		Status:      "active",
		CreatedAt:   fromMillis(millis(now)),
		UpdatedAt:   fromMillis(millis(now)),
	}, nil
}

// EnsureProject inserts a project row with an explicit id when it does not exist yet.
func (c *Client) EnsureProject(ctx context.Context, projectID int64, name string) error {
	if projectID <= 0 {
		return errs.Validation("ensure project", "invalid project_id %d", projectID)
	}
	if name == "" {
		name = fmt.Sprintf("project-%d", projectID)
	}

	now := millis(c.now())
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tender_projects (project_id, project_name, company_id, status, created_at, updated_at) VALUES (?, ?, 0, 'active', ?, ?)`,
		projectID, name, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure project: %w", err)
	}
	return nil
}

func (c *Client) GetProject(ctx context.Context, projectID int64) (*models.Project, error) {
	var p models.Project
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT project_id, project_name, company_id, status, created_at, updated_at FROM tender_projects WHERE project_id = ?`,
		projectID,
	).Scan(&p.ProjectID, &p.ProjectName, &p.CompanyID, &p.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get project", "project %d not found", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// DeleteProject removes a project and its children in dependency order:
// logs, requirements, chunks, task, project.
func (c *Client) DeleteProject(ctx context.Context, projectID int64) error {
	statements := []string{
		`DELETE FROM tender_processing_logs WHERE project_id = ?`,
		`DELETE FROM tender_requirements WHERE project_id = ?`,
		`DELETE FROM tender_document_chunks WHERE project_id = ?`,
		`DELETE FROM tender_processing_tasks WHERE project_id = ?`,
		`DELETE FROM tender_projects WHERE project_id = ?`,
	}

	var deleted int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt, projectID)
			if err != nil {
				return fmt.Errorf("failed to delete project data: %w", err)
			}
			deleted, _ = res.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deleted == 0 {
		return errs.NotFound("delete project", "project %d not found", projectID)
	}

	logger.Info("Project deleted", zap.Int64("project_id", projectID))
	return nil
}
