package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tenderflow/backend/internal/storage/models"
)

// AppendRiskItems stores partial results as the analyzer emits them.
func (c *Client) AppendRiskItems(ctx context.Context, taskID string, items []models.RiskItem) error {
	if len(items) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return insertRiskItems(ctx, tx, taskID, items, millis(c.now()))
	})
}

// ReplaceRiskItems swaps the partial rows for the final, deduplicated and annotated list.
func (c *Client) ReplaceRiskItems(ctx context.Context, taskID string, items []models.RiskItem) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM risk_items WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("failed to clear risk items: %w", err)
		}
		return insertRiskItems(ctx, tx, taskID, items, millis(c.now()))
	})
}

func insertRiskItems(ctx context.Context, tx *sql.Tx, taskID string, items []models.RiskItem, now int64) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_items (task_id, item_index, risk_level, source_chunk, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare risk item insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		item.TaskID = taskID
		item.ID = 0
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal risk item: %w", err)
		}
		_, err = stmt.ExecContext(ctx, taskID, item.Index, item.RiskLevel, item.SourceChunk, string(payload), now)
		if err != nil {
			return fmt.Errorf("failed to insert risk item: %w", err)
		}
	}
	return nil
}

func (c *Client) ListRiskItems(ctx context.Context, taskID string) ([]models.RiskItem, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, payload FROM risk_items WHERE task_id = ? ORDER BY item_index, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk items: %w", err)
	}
	defer rows.Close()

	var items []models.RiskItem
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var item models.RiskItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("failed to decode risk item %d: %w", id, err)
		}
		item.ID = id
		items = append(items, item)
	}
	return items, rows.Err()
}
