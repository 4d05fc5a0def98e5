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

// InsertChunkRequirements stores every requirement extracted from one chunk in a single
// transaction and marks the chunk as extracted. If the chunk was already extracted nothing
// is written and skipped is true.
func (c *Client) InsertChunkRequirements(ctx context.Context, projectID, chunkID int64, reqs []models.Requirement) (inserted int, skipped bool, err error) {
	for i := range reqs {
		if err := validateRequirement(&reqs[i], chunkID); err != nil {
			return 0, false, err
		}
	}

	now := c.now()
	err = c.withTx(ctx, func(tx *sql.Tx) error {
		var extractedAt sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT extracted_at FROM tender_document_chunks WHERE chunk_id = ? AND project_id = ?`,
			chunkID, projectID,
		).Scan(&extractedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("insert requirements", "chunk %d not found in project %d", chunkID, projectID)
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk: %w", err)
		}
		if extractedAt.Valid {
			skipped = true
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tender_requirements (project_id, chunk_id, constraint_type, category, subcategory, detail,
				source_location, priority, extraction_confidence, extraction_model, notes, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare requirement insert: %w", err)
		}
		defer stmt.Close()

		for i := range reqs {
			r := &reqs[i]
			at := r.ExtractedAt
			if at.IsZero() {
				at = now
			}
			res, err := stmt.ExecContext(ctx,
				projectID, chunkID, r.ConstraintType, r.Category, nullString(r.Subcategory), r.Detail,
				nullString(r.SourceLocation), r.Priority, r.ExtractionConfidence, nullString(r.ExtractionModel),
				nullString(r.Notes), millis(at),
			)
			if err != nil {
				return fmt.Errorf("failed to insert requirement: %w", err)
			}
			id, _ := res.LastInsertId()
			r.RequirementID = id
			r.ProjectID = projectID
			cid := chunkID
			r.ChunkID = &cid
			inserted++
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tender_document_chunks SET extracted_at = ? WHERE chunk_id = ?`,
			millis(now), chunkID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark chunk extracted: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if !skipped {
		logger.Debug("Requirements inserted",
			zap.Int64("project_id", projectID),
			zap.Int64("chunk_id", chunkID),
			zap.Int("count", inserted),
		)
	}
	return inserted, skipped, nil
}

func validateRequirement(r *models.Requirement, chunkID int64) error {
	if r.Detail == "" {
		return errs.Validation("insert requirements", "requirement detail is empty")
	}
	if chunkID <= 0 && r.SourceLocation == "" {
		return errs.Validation("insert requirements", "requirement needs a chunk or a source location")
	}
	switch r.ConstraintType {
	case models.ConstraintMandatory, models.ConstraintScoring, models.ConstraintOptional:
	default:
		return errs.Validation("insert requirements", "unknown constraint type %q", r.ConstraintType)
	}
	switch r.Priority {
	case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		return errs.Validation("insert requirements", "unknown priority %q", r.Priority)
	}
	if r.ExtractionConfidence < 0 || r.ExtractionConfidence > 1 {
		return errs.Validation("insert requirements", "confidence %.3f out of range", r.ExtractionConfidence)
	}
	return nil
}

// ReopenEmptyExtractions clears the extraction mark of valuable chunks that produced no
// requirement so the next extract run asks the model again.
func (c *Client) ReopenEmptyExtractions(ctx context.Context, projectID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE tender_document_chunks
		SET extracted_at = NULL
		WHERE project_id = ? AND is_valuable = 1 AND extracted_at IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM tender_requirements r WHERE r.chunk_id = tender_document_chunks.chunk_id)
	`, projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to reopen extractions: %w", err)
	}
	return res.RowsAffected()
}

func (c *Client) ListRequirements(ctx context.Context, projectID int64, f models.RequirementFilter) ([]models.Requirement, error) {
	query := `
		SELECT requirement_id, project_id, chunk_id, constraint_type, category, subcategory, detail, source_location,
			priority, extraction_confidence, extraction_model, is_verified, verified_by, verified_at, notes, extracted_at
		FROM tender_requirements
		WHERE project_id = ?`
	args := []any{projectID}
	if f.ConstraintType != "" {
		query += ` AND constraint_type = ?`
		args = append(args, f.ConstraintType)
	}
	if f.Category != "" {
		query += ` AND category = ?`
		args = append(args, f.Category)
	}
	query += ` ORDER BY chunk_id, requirement_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requirements: %w", err)
	}
	defer rows.Close()

	var reqs []models.Requirement
	for rows.Next() {
		var r models.Requirement
		var chunkID, verifiedAt sql.NullInt64
		var subcategory, source, model, verifiedBy, notes sql.NullString
		var verified int
		var extractedAt int64

		err := rows.Scan(&r.RequirementID, &r.ProjectID, &chunkID, &r.ConstraintType, &r.Category, &subcategory,
			&r.Detail, &source, &r.Priority, &r.ExtractionConfidence, &model, &verified, &verifiedBy, &verifiedAt,
			&notes, &extractedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if chunkID.Valid {
			id := chunkID.Int64
			r.ChunkID = &id
		}
		r.Subcategory = subcategory.String
		r.SourceLocation = source.String
		r.ExtractionModel = model.String
		r.IsVerified = verified == 1
		r.VerifiedBy = verifiedBy.String
		r.VerifiedAt = fromNullMillis(verifiedAt)
		r.Notes = notes.String
		r.ExtractedAt = fromMillis(extractedAt)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (c *Client) CountRequirements(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tender_requirements WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count requirements: %w", err)
	}
	return n, nil
}

// RequirementSummary reads the (constraint_type, category) aggregation view.
func (c *Client) RequirementSummary(ctx context.Context, projectID int64) ([]models.RequirementSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT constraint_type, category, requirement_count
		FROM tender_requirement_summary
		WHERE project_id = ?
		ORDER BY constraint_type, category
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read requirement summary: %w", err)
	}
	defer rows.Close()

	var out []models.RequirementSummary
	for rows.Next() {
		var s models.RequirementSummary
		if err := rows.Scan(&s.ConstraintType, &s.Category, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) VerifyRequirement(ctx context.Context, requirementID int64, verifier, notes string) error {
	if verifier == "" {
		return errs.Validation("verify requirement", "verifier is required")
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE tender_requirements
		SET is_verified = 1, verified_by = ?, verified_at = ?, notes = COALESCE(?, notes)
		WHERE requirement_id = ?
	`, verifier, millis(c.now()), nullString(notes), requirementID)
	if err != nil {
		return fmt.Errorf("failed to verify requirement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("verify requirement", "requirement %d not found", requirementID)
	}
	return nil
}

func (c *Client) ExtractStats(ctx context.Context, projectID int64) (*models.ExtractStats, error) {
	stats := &models.ExtractStats{
		ByConstraintType: map[string]int{},
		ByCategory:       map[string]int{},
		ByPriority:       map[string]int{},
	}

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(is_verified), 0), COALESCE(AVG(extraction_confidence), 0)
		FROM tender_requirements WHERE project_id = ?
	`, projectID).Scan(&stats.Total, &stats.Verified, &stats.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to compute extract stats: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"constraint_type", stats.ByConstraintType},
		{"category", stats.ByCategory},
		{"priority", stats.ByPriority},
	}
	for _, g := range groups {
		if err := c.groupCount(ctx, projectID, g.column, g.into); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (c *Client) groupCount(ctx context.Context, projectID int64, column string, into map[string]int) error {
	// column comes from a fixed list above, never from input.
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM tender_requirements WHERE project_id = ? GROUP BY `+column,
		projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to group requirements by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}
