package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
)

func (c *Client) InsertParserDocument(ctx context.Context, doc *models.ParserDocument) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = c.now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO parser_documents (document_id, filename, file_path, file_size, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, doc.DocumentID, doc.Filename, doc.FilePath, doc.FileSize, millis(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert parser document: %w", err)
	}
	return nil
}

func (c *Client) GetParserDocument(ctx context.Context, documentID string) (*models.ParserDocument, error) {
	var d models.ParserDocument
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT document_id, filename, file_path, file_size, created_at FROM parser_documents WHERE document_id = ?`,
		documentID,
	).Scan(&d.DocumentID, &d.Filename, &d.FilePath, &d.FileSize, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get parser document", "document %s not found", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parser document: %w", err)
	}
	d.CreatedAt = fromMillis(createdAt)
	return &d, nil
}

// UpsertParserResult keeps the latest run per (document, method).
func (c *Client) UpsertParserResult(ctx context.Context, r *models.ParserResult) error {
	chapters := sql.NullString{}
	if len(r.Chapters) > 0 {
		chapters = sql.NullString{String: string(r.Chapters), Valid: true}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO parser_results (document_id, method, success, chapters, chapter_count, elapsed_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, method) DO UPDATE SET
			success = excluded.success,
			chapters = excluded.chapters,
			chapter_count = excluded.chapter_count,
			elapsed_ms = excluded.elapsed_ms,
			error = excluded.error,
			precision_score = NULL,
			recall_score = NULL,
			f1_score = NULL,
			created_at = excluded.created_at
	`, r.DocumentID, r.Method, boolInt(r.Success), chapters, r.ChapterCount, r.ElapsedMS, nullString(r.Error),
		millis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert parser result: %w", err)
	}
	return nil
}

func (c *Client) ListParserResults(ctx context.Context, documentID string) ([]models.ParserResult, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, method, success, chapters, chapter_count, elapsed_ms, error,
			precision_score, recall_score, f1_score, created_at
		FROM parser_results
		WHERE document_id = ?
		ORDER BY method
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list parser results: %w", err)
	}
	defer rows.Close()

	var out []models.ParserResult
	for rows.Next() {
		var r models.ParserResult
		var success int
		var chapters, errMsg sql.NullString
		var p, rc, f1 sql.NullFloat64
		var createdAt int64
		err := rows.Scan(&r.ID, &r.DocumentID, &r.Method, &success, &chapters, &r.ChapterCount, &r.ElapsedMS,
			&errMsg, &p, &rc, &f1, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Success = success == 1
		if chapters.Valid {
			r.Chapters = json.RawMessage(chapters.String)
		}
		r.Error = errMsg.String
		r.Precision = nullFloatPtr(p)
		r.Recall = nullFloatPtr(rc)
		r.F1 = nullFloatPtr(f1)
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

type MethodScore struct {
	Method    string
	Precision float64
	Recall    float64
	F1        float64
}

// SaveGroundTruth stores the annotation and the per-method scores computed from it atomically.
func (c *Client) SaveGroundTruth(ctx context.Context, gt *models.GroundTruth, scores []MethodScore) error {
	chapters, err := json.Marshal(gt.Chapters)
	if err != nil {
		return fmt.Errorf("failed to marshal ground truth: %w", err)
	}
	if gt.CreatedAt.IsZero() {
		gt.CreatedAt = c.now()
	}

	return c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO parser_ground_truth (document_id, chapters, annotator, best_method, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(document_id) DO UPDATE SET
				chapters = excluded.chapters,
				annotator = excluded.annotator,
				best_method = excluded.best_method,
				created_at = excluded.created_at
		`, gt.DocumentID, string(chapters), nullString(gt.Annotator), nullString(gt.BestMethod), millis(gt.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to save ground truth: %w", err)
		}

		for _, s := range scores {
			_, err := tx.ExecContext(ctx, `
				UPDATE parser_results SET precision_score = ?, recall_score = ?, f1_score = ?
				WHERE document_id = ? AND method = ?
			`, s.Precision, s.Recall, s.F1, gt.DocumentID, s.Method)
			if err != nil {
				return fmt.Errorf("failed to store scores for %s: %w", s.Method, err)
			}
		}
		return nil
	})
}

func (c *Client) GetGroundTruth(ctx context.Context, documentID string) (*models.GroundTruth, error) {
	var gt models.GroundTruth
	var chapters string
	var annotator, best sql.NullString
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT document_id, chapters, annotator, best_method, created_at FROM parser_ground_truth WHERE document_id = ?`,
		documentID,
	).Scan(&gt.DocumentID, &chapters, &annotator, &best, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get ground truth", "no ground truth for %s", documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ground truth: %w", err)
	}
	if err := json.Unmarshal([]byte(chapters), &gt.Chapters); err != nil {
		return nil, fmt.Errorf("failed to decode ground truth: %w", err)
	}
	gt.Annotator = annotator.String
	gt.BestMethod = best.String
	gt.CreatedAt = fromMillis(createdAt)
	return &gt, nil
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
