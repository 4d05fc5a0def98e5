package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const chunkColumns = `chunk_id, project_id, chunk_index, chunk_type, content, metadata, is_valuable,
	filter_confidence, filter_model, filtered_at, extracted_at, created_at`

// InsertChunk writes one chunk. A chunk already stored at the same index is kept and
// reported as not inserted, which makes the parse step safe to repeat.
func (c *Client) InsertChunk(ctx context.Context, chunk *models.DocumentChunk) (bool, error) {
	if chunk.Content == "" {
		return false, errs.Validation("insert chunk", "chunk %d has empty content", chunk.ChunkIndex)
	}
	if chunk.ChunkIndex < 0 {
		return false, errs.Validation("insert chunk", "negative chunk index %d", chunk.ChunkIndex)
	}

	meta, err := marshalJSON(chunk.Metadata)
	if err != nil {
		return false, err
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO tender_document_chunks (project_id, chunk_index, chunk_type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, chunk_index) DO NOTHING
	`, chunk.ProjectID, chunk.ChunkIndex, chunk.ChunkType, chunk.Content, meta, millis(c.now()))
	if err != nil {
		return false, fmt.Errorf("failed to insert chunk: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 1 {
		id, _ := res.LastInsertId()
		chunk.ChunkID = id
	}
	return n == 1, nil
}

type ChunkQuery struct {
	ValuableOnly bool
	// Unlabeled selects chunks the filter has not labelled yet.
	Unlabeled bool
	// PendingExtraction selects valuable chunks without a completed extraction.
	PendingExtraction bool
}

func (c *Client) ListChunks(ctx context.Context, projectID int64, q ChunkQuery) ([]models.DocumentChunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM tender_document_chunks WHERE project_id = ?`
	switch {
	case q.Unlabeled:
		query += ` AND is_valuable IS NULL`
	case q.PendingExtraction:
		query += ` AND is_valuable = 1 AND extracted_at IS NULL`
	case q.ValuableOnly:
		query += ` AND is_valuable = 1`
	}
	query += ` ORDER BY chunk_index`

	rows, err := c.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.DocumentChunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

func scanChunk(row interface{ Scan(...any) error }) (*models.DocumentChunk, error) {
	var ch models.DocumentChunk
	var meta, filterModel sql.NullString
	var valuable sql.NullInt64
	var confidence sql.NullFloat64
	var filteredAt, extractedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&ch.ChunkID, &ch.ProjectID, &ch.ChunkIndex, &ch.ChunkType, &ch.Content, &meta, &valuable,
		&confidence, &filterModel, &filteredAt, &extractedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if valuable.Valid {
		v := valuable.Int64 == 1
		ch.IsValuable = &v
	}
	if confidence.Valid {
		f := confidence.Float64
		ch.FilterConfidence = &f
	}
	ch.FilterModel = filterModel.String
	ch.FilteredAt = fromNullMillis(filteredAt)
	ch.ExtractedAt = fromNullMillis(extractedAt)
	ch.CreatedAt = fromMillis(createdAt)
	if err := unmarshalJSON(meta, &ch.Metadata); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) CountChunks(ctx context.Context, projectID int64) (total int, valuable int, err error) {
	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_valuable = 1 THEN 1 ELSE 0 END), 0)
		FROM tender_document_chunks WHERE project_id = ?
	`, projectID).Scan(&total, &valuable)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return total, valuable, nil
}

// LabelChunk records the filter verdict. The label is written at most once: a chunk that
// already carries a label is left alone and false is returned.
func (c *Client) LabelChunk(ctx context.Context, chunkID int64, valuable bool, confidence float64, model string) (bool, error) {
	if confidence < 0 || confidence > 1 {
		return false, errs.Validation("label chunk", "confidence %.3f out of range", confidence)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE tender_document_chunks
		SET is_valuable = ?, filter_confidence = ?, filter_model = ?, filtered_at = ?
		WHERE chunk_id = ? AND is_valuable IS NULL
	`, boolInt(valuable), confidence, model, millis(c.now()), chunkID)
	if err != nil {
		return false, fmt.Errorf("failed to label chunk: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		logger.Debug("Chunk already labelled", zap.Int64("chunk_id", chunkID))
	}
	return n == 1, nil
}

func (c *Client) FilterStats(ctx context.Context, projectID int64) (*models.FilterStats, error) {
	var s models.FilterStats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_valuable = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_valuable = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_valuable IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(filter_confidence), 0)
		FROM tender_document_chunks WHERE project_id = ?
	`, projectID).Scan(&s.Total, &s.Valuable, &s.Noise, &s.Unlabeled, &s.AvgConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to compute filter stats: %w", err)
	}
	return &s, nil
}
