package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/errs"
)

const agentTaskColumns = `task_id, project_id, task_type, overall_status, current_phase, progress, message, input,
	result, phases, resumable, last_error, last_error_time, started_at, last_heartbeat, completed_at,
	expires_at, created_at, updated_at`

func (c *Client) CreateAgentTask(ctx context.Context, task *models.AgentTask) error {
	if task.TaskID == "" || task.TaskType == "" {
		return errs.Validation("create agent task", "task id and type are required")
	}

	input, err := marshalJSON(task.Input)
	if err != nil {
		return err
	}

	now := c.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.OverallStatus == "" {
		task.OverallStatus = models.StatusPending
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (task_id, project_id, task_type, overall_status, progress, input, resumable,
			expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`,
		task.TaskID, sql.NullInt64{Int64: task.ProjectID, Valid: task.ProjectID > 0}, task.TaskType,
		string(task.OverallStatus), input, boolInt(task.Resumable), millis(task.ExpiresAt),
		millis(task.CreatedAt), millis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent task: %w", err)
	}
	return nil
}

func (c *Client) GetAgentTask(ctx context.Context, taskID string) (*models.AgentTask, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+agentTaskColumns+` FROM agent_tasks WHERE task_id = ?`, taskID)
	task, err := scanAgentTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("get agent task", "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent task: %w", err)
	}
	return task, nil
}

func (c *Client) ListAgentTasks(ctx context.Context, taskType string, limit int) ([]models.AgentTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+agentTaskColumns+` FROM agent_tasks WHERE task_type = ? ORDER BY created_at DESC LIMIT ?`,
		taskType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AgentTask
	for rows.Next() {
		t, err := scanAgentTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanAgentTask(row interface{ Scan(...any) error }) (*models.AgentTask, error) {
	var t models.AgentTask
	var projectID sql.NullInt64
	var status string
	var phase, message, input, result, phases, lastError sql.NullString
	var resumable int
	var lastErrorTime, startedAt, heartbeat, completedAt sql.NullInt64
	var expiresAt, createdAt, updatedAt int64

	err := row.Scan(&t.TaskID, &projectID, &t.TaskType, &status, &phase, &t.Progress, &message, &input,
		&result, &phases, &resumable, &lastError, &lastErrorTime, &startedAt, &heartbeat, &completedAt,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.ProjectID = projectID.Int64
	t.OverallStatus = models.TaskStatus(status)
	t.CurrentPhase = phase.String
	t.Message = message.String
	t.Resumable = resumable == 1
	t.LastError = lastError.String
	t.LastErrorTime = fromNullMillis(lastErrorTime)
	t.StartedAt = fromNullMillis(startedAt)
	t.LastHeartbeat = fromNullMillis(heartbeat)
	t.CompletedAt = fromNullMillis(completedAt)
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if err := unmarshalJSON(input, &t.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(phases, &t.Phases); err != nil {
		return nil, err
	}
	return &t, nil
}

// TryAcquireAgentTask is the compare-and-set behind the single-runner rule: it succeeds
// only while the task is not running and stamps started_at and last_heartbeat.
func (c *Client) TryAcquireAgentTask(ctx context.Context, taskID string) (bool, error) {
	now := millis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET overall_status = 'running', started_at = ?, last_heartbeat = ?, completed_at = NULL, updated_at = ?
		WHERE task_id = ? AND overall_status != 'running'
	`, now, now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire task lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire task lock: %w", err)
	}
	return n == 1, nil
}

func (c *Client) ReleaseAgentTask(ctx context.Context, taskID string, in ReleaseInput) (bool, error) {
	if !in.Status.Valid() || in.Status == models.StatusRunning {
		return false, errs.Validation("release task lock", "invalid release status %q", in.Status)
	}

	now := millis(c.now())
	var completedAt, errTime sql.NullInt64
	if in.Status == models.StatusCompleted || in.Status == models.StatusFailed || in.Status == models.StatusCancelled {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}
	if in.Error != "" {
		errTime = sql.NullInt64{Int64: now, Valid: true}
	}
	progress := sql.NullInt64{}
	if in.Status == models.StatusCompleted {
		progress = sql.NullInt64{Int64: 100, Valid: true}
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET overall_status = ?, last_heartbeat = NULL, completed_at = ?, resumable = ?, updated_at = ?,
			last_error = COALESCE(?, last_error), last_error_time = COALESCE(?, last_error_time),
			progress = COALESCE(?, progress)
		WHERE task_id = ? AND overall_status = 'running'
	`, string(in.Status), completedAt, boolInt(in.Resumable), now, nullString(in.Error), errTime, progress, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to release task lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *Client) HeartbeatAgentTask(ctx context.Context, taskID string) (bool, error) {
	now := millis(c.now())
	res, err := c.db.ExecContext(ctx,
		`UPDATE agent_tasks SET last_heartbeat = ?, updated_at = ? WHERE task_id = ? AND overall_status = 'running'`,
		now, now, taskID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (c *Client) UpdateAgentProgress(ctx context.Context, taskID, phase string, progress int, message string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET current_phase = COALESCE(?, current_phase), progress = MAX(progress, ?), message = ?, updated_at = ?
		WHERE task_id = ?
	`, nullString(phase), clampPercent(progress), message, millis(c.now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// UpdateAgentPhase merges one phase record into the task's phase map.
func (c *Client) UpdateAgentPhase(ctx context.Context, taskID, phase string, rec models.PhaseRecord) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var phasesJSON sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT phases FROM agent_tasks WHERE task_id = ?`, taskID).Scan(&phasesJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("update phase", "task %s not found", taskID)
		}
		if err != nil {
			return fmt.Errorf("failed to read phases: %w", err)
		}

		phases := map[string]models.PhaseRecord{}
		if err := unmarshalJSON(phasesJSON, &phases); err != nil {
			return err
		}
		phases[phase] = rec

		updated, err := marshalJSON(phases)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE agent_tasks SET phases = ?, current_phase = ?, updated_at = ? WHERE task_id = ?`,
			updated, phase, millis(c.now()), taskID,
		)
		if err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}
		return nil
	})
}

func (c *Client) SetAgentResult(ctx context.Context, taskID string, result any) error {
	data, err := marshalJSON(result)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE agent_tasks SET result = ?, updated_at = ? WHERE task_id = ?`,
		data, millis(c.now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to store task result: %w", err)
	}
	return nil
}

func (c *Client) SaveAgentState(ctx context.Context, taskID string, state []byte) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE agent_tasks SET saved_state = ?, updated_at = ? WHERE task_id = ?`,
		state, millis(c.now()), taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to save task state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("save state", "task %s not found", taskID)
	}
	return nil
}

func (c *Client) LoadAgentState(ctx context.Context, taskID string) ([]byte, error) {
	var state []byte
	err := c.db.QueryRowContext(ctx, `SELECT saved_state FROM agent_tasks WHERE task_id = ?`, taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("load state", "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task state: %w", err)
	}
	return state, nil
}

func (c *Client) CancelAgentTask(ctx context.Context, taskID string) (bool, error) {
	now := millis(c.now())
	res, err := c.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET overall_status = 'cancelled', resumable = 0, last_heartbeat = NULL, completed_at = ?, updated_at = ?
		WHERE task_id = ? AND overall_status IN ('pending', 'running', 'failed')
	`, now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteAgentTasksBefore removes non-running tasks created before cutoff together with
// their execution logs. Risk items go with the task through the foreign key.
func (c *Client) DeleteAgentTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM agent_execution_logs WHERE task_id IN (
				SELECT task_id FROM agent_tasks WHERE created_at < ? AND overall_status != 'running'
			)
		`, millis(cutoff))
		if err != nil {
			return fmt.Errorf("failed to delete execution logs: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM agent_tasks WHERE created_at < ? AND overall_status != 'running'`,
			millis(cutoff),
		)
		if err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

func (c *Client) InsertExecutionLog(ctx context.Context, log *models.AgentExecutionLog) (int64, error) {
	if log.AttemptNumber <= 0 {
		log.AttemptNumber = 1
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO agent_execution_logs (task_id, agent_name, phase_name, status, attempt_number, start_time,
			end_time, duration_ms, input_summary, output_summary, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.TaskID, log.AgentName, log.PhaseName, log.Status, log.AttemptNumber, millis(log.StartTime),
		millis(log.EndTime), log.DurationMS, nullString(log.InputSummary), nullString(log.OutputSummary),
		nullString(log.ErrorMessage),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert execution log: %w", err)
	}
	id, _ := res.LastInsertId()
	log.LogID = id
	return id, nil
}

func (c *Client) ListExecutionLogs(ctx context.Context, taskID string) ([]models.AgentExecutionLog, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT log_id, task_id, agent_name, phase_name, status, attempt_number, start_time, end_time, duration_ms,
			input_summary, output_summary, error_message
		FROM agent_execution_logs
		WHERE task_id = ?
		ORDER BY log_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AgentExecutionLog
	for rows.Next() {
		var l models.AgentExecutionLog
		var start, end int64
		var in, out, errMsg sql.NullString
		err := rows.Scan(&l.LogID, &l.TaskID, &l.AgentName, &l.PhaseName, &l.Status, &l.AttemptNumber,
			&start, &end, &l.DurationMS, &in, &out, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		l.StartTime = fromMillis(start)
		l.EndTime = fromMillis(end)
		l.InputSummary = in.String
		l.OutputSummary = out.String
		l.ErrorMessage = errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountPhaseAttempts returns how many log rows exist for a phase, used as the next attempt number.
func (c *Client) CountPhaseAttempts(ctx context.Context, taskID, phase string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_execution_logs WHERE task_id = ? AND phase_name = ?`,
		taskID, phase,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}
