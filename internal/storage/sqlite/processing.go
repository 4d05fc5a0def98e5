package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const processingTaskColumns = `project_id, overall_status, current_step, completed_step, progress_percentage,
	total_chunks, valuable_chunks, total_requirements, filter_model, extract_model, pipeline_config, options,
	step_digests, resumable, last_error, last_error_time, last_heartbeat, started_at, completed_at,
	expires_at, created_at, updated_at`

type ProcessingTaskInput struct {
	ProjectID      int64
	FilterModel    string
	ExtractModel   string
	PipelineConfig map[string]any
	Options        map[string]any
	Expiry         time.Duration
}

// AdoptProcessingTask creates the project's task or re-adopts an idle one, refreshing models,
// options and the resume window. A running task is returned untouched.
func (c *Client) AdoptProcessingTask(ctx context.Context, in ProcessingTaskInput) (*models.ProcessingTask, error) {
	cfgJSON, err := marshalJSON(in.PipelineConfig)
	if err != nil {
		return nil, err
	}
	optJSON, err := marshalJSON(in.Options)
	if err != nil {
		return nil, err
	}

	now := c.now()
	expires := now.Add(in.Expiry)

	err = c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tender_processing_tasks (project_id, overall_status, current_step, filter_model, extract_model,
				pipeline_config, options, resumable, expires_at, created_at, updated_at)
			VALUES (?, 'pending', 'parse', ?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				overall_status = CASE WHEN overall_status = 'cancelled' THEN 'pending' ELSE overall_status END,
				filter_model = excluded.filter_model,
				extract_model = excluded.extract_model,
				pipeline_config = excluded.pipeline_config,
				options = excluded.options,
				resumable = 1,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at
			WHERE overall_status != 'running'
		`,
			in.ProjectID, in.FilterModel, in.ExtractModel, cfgJSON, optJSON,
			millis(expires), millis(now), millis(now),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert processing task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c.GetProcessingTask(ctx, in.ProjectID)
}

func (c *Client) GetProcessingTask(ctx context.Context, projectID int64) (*models.ProcessingTask, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+processingTaskColumns+` FROM tender_processing_tasks WHERE project_id = ?`, projectID)
	task, err := scanProcessingTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get processing task", "no processing task for project %d", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing task: %w", err)
	}
	return task, nil
}

func scanProcessingTask(row interface{ Scan(...any) error }) (*models.ProcessingTask, error) {
	var t models.ProcessingTask
	var status string
	var filterModel, extractModel, cfgJSON, optJSON, digestJSON, lastError sql.NullString
	var resumable int
	var lastErrorTime, heartbeat, startedAt, completedAt sql.NullInt64
	var expiresAt, createdAt, updatedAt int64

	err := row.Scan(
		&t.ProjectID, &status, &t.CurrentStep, &t.CompletedStep, &t.ProgressPercentage,
		&t.TotalChunks, &t.ValuableChunks, &t.TotalRequirements, &filterModel, &extractModel, &cfgJSON, &optJSON,
		&digestJSON, &resumable, &lastError, &lastErrorTime, &heartbeat, &startedAt, &completedAt,
		&expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.OverallStatus = models.TaskStatus(status)
	t.FilterModel = filterModel.String
	t.ExtractModel = extractModel.String
	t.Resumable = resumable == 1
	t.LastError = lastError.String
	t.LastErrorTime = fromNullMillis(lastErrorTime)
	t.LastHeartbeat = fromNullMillis(heartbeat)
	t.StartedAt = fromNullMillis(startedAt)
	t.CompletedAt = fromNullMillis(completedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)

	if err := unmarshalJSON(cfgJSON, &t.PipelineConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(optJSON, &t.Options); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(digestJSON, &t.StepDigests); err != nil {
		return nil, err
	}
	return &t, nil
}

// TryAcquireProcessingTask flips the task to running only if no other worker holds it.
func (c *Client) TryAcquireProcessingTask(ctx context.Context, projectID int64) (bool, error) {
	now := millis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE tender_processing_tasks
		SET overall_status = 'running', started_at = ?, last_heartbeat = ?, completed_at = NULL, updated_at = ?
		WHERE project_id = ? AND overall_status NOT IN ('running', 'cancelled')
	`, now, now, now, projectID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire processing task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire processing task: %w", err)
	}
	return n == 1, nil
}

type ReleaseInput struct {
	Status    models.TaskStatus
	Error     string
	Resumable bool
}

// ReleaseProcessingTask ends a run. Only a running task is touched, so a concurrent cancel wins.
func (c *Client) ReleaseProcessingTask(ctx context.Context, projectID int64, in ReleaseInput) error {
	if !in.Status.Valid() || in.Status == models.StatusRunning {
		return errs.Validation("release processing task", "invalid release status %q", in.Status)
	}

	now := millis(c.now())
	var completedAt, errTime sql.NullInt64
	if in.Status == models.StatusCompleted || in.Status == models.StatusFailed {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	if in.Error != "" {
		errTime = sql.NullInt64{Int64: now, Valid: true}
	}

	query := `
		UPDATE tender_processing_tasks
		SET overall_status = ?, last_heartbeat = NULL, completed_at = ?, resumable = ?, updated_at = ?,
			last_error = COALESCE(?, last_error), last_error_time = COALESCE(?, last_error_time)
		WHERE project_id = ? AND overall_status = 'running'
	`
	if in.Status == models.StatusCompleted {
		query = `
			UPDATE tender_processing_tasks
			SET overall_status = ?, last_heartbeat = NULL, completed_at = ?, resumable = ?, updated_at = ?,
				last_error = COALESCE(?, last_error), last_error_time = COALESCE(?, last_error_time),
				progress_percentage = 100, current_step = 'done'
			WHERE project_id = ? AND overall_status = 'running'
		`
	}

	_, err := c.db.ExecContext(ctx, query,
		string(in.Status), completedAt, boolInt(in.Resumable), now, nullString(in.Error), errTime, projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to release processing task: %w", err)
	}

	logger.Debug("Processing task released",
		zap.Int64("project_id", projectID),
		zap.String("status", string(in.Status)),
	)
	return nil
}

func (c *Client) HeartbeatProcessingTask(ctx context.Context, projectID int64) error {
	now := millis(c.now())
	_, err := c.db.ExecContext(ctx,
		`UPDATE tender_processing_tasks SET last_heartbeat = ?, updated_at = ? WHERE project_id = ? AND overall_status = 'running'`,
		now, now, projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// CancelProcessingTask marks an eligible task cancelled and non-resumable.
func (c *Client) CancelProcessingTask(ctx context.Context, projectID int64) (bool, error) {
	now := millis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE tender_processing_tasks
		SET overall_status = 'cancelled', resumable = 0, last_heartbeat = NULL, updated_at = ?
		WHERE project_id = ? AND overall_status IN ('pending', 'running', 'failed')
	`, now, projectID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel processing task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetProcessingProgress is used when a run restarts from step 1.
func (c *Client) ResetProcessingProgress(ctx context.Context, projectID int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE tender_processing_tasks
		SET progress_percentage = 0, completed_step = 0, current_step = 'parse', updated_at = ?
		WHERE project_id = ?
	`, millis(c.now()), projectID)
	if err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}
	return nil
}

// SetProcessingProgress moves the progress bar forward; it never moves backwards.
func (c *Client) SetProcessingProgress(ctx context.Context, projectID int64, currentStep string, progress int) error {
	progress = clampPercent(progress)
	_, err := c.db.ExecContext(ctx, `
		UPDATE tender_processing_tasks
		SET current_step = ?, progress_percentage = MAX(progress_percentage, ?), updated_at = ?
		WHERE project_id = ?
	`, currentStep, progress, millis(c.now()), projectID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

type StepOutcome struct {
	Step              int
	NextStep          string
	Progress          int
	TotalChunks       *int
	ValuableChunks    *int
	TotalRequirements *int
	Digest            string
}

func (c *Client) CompleteProcessingStep(ctx context.Context, projectID int64, out StepOutcome) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var digestJSON sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT step_digests FROM tender_processing_tasks WHERE project_id = ?`, projectID).Scan(&digestJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("complete step", "no processing task for project %d", projectID)
		}
		if err != nil {
			return fmt.Errorf("failed to read step digests: %w", err)
		}

		digests := map[string]string{}
		if err := unmarshalJSON(digestJSON, &digests); err != nil {
			return err
		}
		if out.Digest != "" {
			digests[fmt.Sprintf("step%d", out.Step)] = out.Digest
		}
		newDigests, err := marshalJSON(digests)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tender_processing_tasks
			SET completed_step = MAX(completed_step, ?),
				current_step = ?,
				progress_percentage = MAX(progress_percentage, ?),
				total_chunks = COALESCE(?, total_chunks),
				valuable_chunks = COALESCE(?, valuable_chunks),
				total_requirements = COALESCE(?, total_requirements),
				step_digests = ?,
				updated_at = ?
			WHERE project_id = ?
		`,
			out.Step, out.NextStep, clampPercent(out.Progress),
			nullInt(out.TotalChunks), nullInt(out.ValuableChunks), nullInt(out.TotalRequirements),
			newDigests, millis(c.now()), projectID,
		)
		if err != nil {
			return fmt.Errorf("failed to complete step: %w", err)
		}
		return nil
	})
}

func (c *Client) SaveProcessingState(ctx context.Context, projectID int64, state []byte) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE tender_processing_tasks SET saved_state = ?, updated_at = ? WHERE project_id = ?`,
		state, millis(c.now()), projectID,
	)
	if err != nil {
		return fmt.Errorf("failed to save processing state: %w", err)
	}
	return nil
}

func (c *Client) LoadProcessingState(ctx context.Context, projectID int64) ([]byte, error) {
	var state []byte
	err := c.db.QueryRowContext(ctx, `SELECT saved_state FROM tender_processing_tasks WHERE project_id = ?`, projectID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("load processing state", "no processing task for project %d", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processing state: %w", err)
	}
	return state, nil
}

func (c *Client) InsertProcessingLog(ctx context.Context, log *models.ProcessingLog) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO tender_processing_logs (project_id, step, status, processed_items, success_items, failed_items,
			actual_cost, api_calls, total_tokens, error_message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ProjectID, log.Step, log.Status, log.ProcessedItems, log.SuccessItems, log.FailedItems,
		log.ActualCost, log.APICalls, log.TotalTokens, nullString(log.ErrorMessage),
		millis(log.StartedAt), nullMillis(log.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert processing log: %w", err)
	}
	return res.LastInsertId()
}

func (c *Client) ListProcessingLogs(ctx context.Context, projectID int64) ([]models.ProcessingLog, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT log_id, project_id, step, status, processed_items, success_items, failed_items,
			actual_cost, api_calls, total_tokens, error_message, started_at, completed_at
		FROM tender_processing_logs
		WHERE project_id = ?
		ORDER BY log_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing logs: %w", err)
	}
	defer rows.Close()

	var logs []models.ProcessingLog
	for rows.Next() {
		var l models.ProcessingLog
		var errMsg sql.NullString
		var startedAt int64
		var completedAt sql.NullInt64

		err := rows.Scan(&l.LogID, &l.ProjectID, &l.Step, &l.Status, &l.ProcessedItems, &l.SuccessItems, &l.FailedItems,
			&l.ActualCost, &l.APICalls, &l.TotalTokens, &errMsg, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		l.ErrorMessage = errMsg.String
		l.StartedAt = fromMillis(startedAt)
		l.CompletedAt = fromNullMillis(completedAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
