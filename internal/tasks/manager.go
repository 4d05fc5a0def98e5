// Package tasks persists long-running task state: single-runner locking, heartbeats, phase
// records with artifact digests, checkpoints and an append-only execution audit.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/digest"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// Phase record statuses.
const (
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

const (
	auditSuccess = "success"
	auditFailed  = "failed"
	// systemTaskID tags audit rows of operations that span tasks.
	systemTaskID = "system"
	maxErrorLen  = 500
)

type Manager struct {
	db    *sqlite.Client
	cfg   config.TasksConfig
	agent string
}

func NewManager(db *sqlite.Client, cfg config.TasksConfig) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AbnormalAfter <= 0 {
		cfg.AbnormalAfter = 5 * time.Minute
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 24 * time.Hour
	}
	if cfg.CleanupDays <= 0 {
		cfg.CleanupDays = 7
	}
	return &Manager{db: db, cfg: cfg, agent: "task_manager"}
}

// WithAgent returns a manager whose audit rows carry the given agent name.
func (m *Manager) WithAgent(name string) *Manager {
	cp := *m
	cp.agent = name
	return &cp
}

type CreateInput struct {
	TaskType  string
	ProjectID int64
	Input     map[string]any
	// Expiry overrides the configured resume window.
	Expiry time.Duration
}

// CreateTask stores a pending, resumable task and returns its id.
func (m *Manager) CreateTask(ctx context.Context, in CreateInput) (string, error) {
	start := time.Now()
	expiry := in.Expiry
	if expiry <= 0 {
		expiry = m.cfg.Expiry
	}
	task := &models.AgentTask{
		TaskID:    uuid.NewString(),
		ProjectID: in.ProjectID,
		TaskType:  in.TaskType,
		Input:     in.Input,
		Resumable: true,
		ExpiresAt: m.db.Now().Add(expiry),
	}
	err := m.db.CreateAgentTask(ctx, task)
	m.audit(ctx, task.TaskID, "create_task", start, in.TaskType, task.TaskID, err)
	if err != nil {
		return "", err
	}
	logger.Info("Task created",
		zap.String("task_id", task.TaskID),
		zap.String("task_type", in.TaskType),
		zap.Time("expires_at", task.ExpiresAt),
	)
	return task.TaskID, nil
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (*models.AgentTask, error) {
	return m.db.GetAgentTask(ctx, taskID)
}

func (m *Manager) ListTasks(ctx context.Context, taskType string, limit int) ([]models.AgentTask, error) {
	return m.db.ListAgentTasks(ctx, taskType, limit)
}

// TryAcquireTaskLock succeeds for exactly one caller while the task is not running.
func (m *Manager) TryAcquireTaskLock(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()
	ok, err := m.db.TryAcquireAgentTask(ctx, taskID)
	m.audit(ctx, taskID, "acquire_lock", start, "", fmt.Sprintf("acquired=%t", ok), err)
	if err != nil {
		return false, err
	}
	if !ok {
		logger.Warn("Task lock not acquired", zap.String("task_id", taskID))
	}
	return ok, nil
}

// ReleaseTaskLock ends a run. It reports false when the task was no longer running, e.g.
// because it was cancelled meanwhile.
func (m *Manager) ReleaseTaskLock(ctx context.Context, taskID string, status models.TaskStatus, errMsg string, resumable bool) (bool, error) {
	start := time.Now()
	errMsg = truncate(errMsg, maxErrorLen)
	ok, err := m.db.ReleaseAgentTask(ctx, taskID, sqlite.ReleaseInput{Status: status, Error: errMsg, Resumable: resumable})

	auditErr := err
	if auditErr == nil && errMsg != "" {
		auditErr = errors.New(errMsg)
	}
	m.audit(ctx, taskID, "release_lock", start, string(status), fmt.Sprintf("released=%t resumable=%t", ok, resumable), auditErr)
	if err != nil {
		return false, err
	}
	logger.Info("Task lock released",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Bool("released", ok),
	)
	return ok, nil
}

func (m *Manager) UpdateHeartbeat(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()
	ok, err := m.db.HeartbeatAgentTask(ctx, taskID)
	m.audit(ctx, taskID, "heartbeat", start, "", fmt.Sprintf("alive=%t", ok), err)
	return ok, err
}

// IsTaskAbnormal reports a running task whose heartbeat is older than the abnormal threshold.
func (m *Manager) IsTaskAbnormal(ctx context.Context, taskID string) (bool, error) {
	task, err := m.db.GetAgentTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return m.abnormal(task), nil
}

func (m *Manager) abnormal(task *models.AgentTask) bool {
	if task.OverallStatus != models.StatusRunning {
		return false
	}
	if task.LastHeartbeat == nil {
		return true
	}
	return m.db.Now().Sub(*task.LastHeartbeat) > m.cfg.AbnormalAfter
}

// UpdateProgress is called on every analyzer event and is not audited.
func (m *Manager) UpdateProgress(ctx context.Context, taskID, phase string, progress int, message string) error {
	return m.db.UpdateAgentProgress(ctx, taskID, phase, progress, message)
}

type PhaseUpdate struct {
	Status string
	Result map[string]any
	Error  string
	// GeneratedFiles are hashed at record time so a resumed run can tell whether they are intact.
	GeneratedFiles []string
}

func (m *Manager) UpdatePhase(ctx context.Context, taskID, phase string, up PhaseUpdate) error {
	start := time.Now()
	rec := models.PhaseRecord{
		Status:    up.Status,
		Result:    up.Result,
		Error:     truncate(up.Error, maxErrorLen),
		UpdatedAt: m.db.Now(),
	}
	for _, path := range up.GeneratedFiles {
		sum, ok, err := digest.File(path)
		if err != nil {
			m.audit(ctx, taskID, phase, start, up.Status, "", err)
			return fmt.Errorf("failed to hash artifact: %w", err)
		}
		if !ok {
			err := errs.State("update phase", "artifact %s does not exist", path)
			m.audit(ctx, taskID, phase, start, up.Status, "", err)
			return err
		}
		rec.GeneratedFiles = append(rec.GeneratedFiles, models.GeneratedFile{Path: path, Digest: sum})
	}

	err := m.db.UpdateAgentPhase(ctx, taskID, phase, rec)
	var phaseErr error
	if err != nil {
		phaseErr = err
	} else if up.Status == PhaseFailed {
		phaseErr = errors.New(rec.Error)
	}
	m.audit(ctx, taskID, phase, start, up.Status, summarize(up.Result, len(rec.GeneratedFiles)), phaseErr)
	return err
}

// PhaseCompleted reports whether a phase finished earlier and every file it generated is still
// on disk with the recorded digest. Such a phase can be skipped on resume.
func (m *Manager) PhaseCompleted(ctx context.Context, taskID, phase string) (bool, error) {
	task, err := m.db.GetAgentTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	rec, ok := task.Phases[phase]
	if !ok || rec.Status != PhaseCompleted {
		return false, nil
	}
	for _, f := range rec.GeneratedFiles {
		sum, exists, err := digest.File(f.Path)
		if err != nil {
			return false, err
		}
		if !exists || sum != f.Digest {
			logger.Info("Phase artifact changed, phase will rerun",
				zap.String("task_id", taskID),
				zap.String("phase", phase),
				zap.String("path", f.Path),
			)
			return false, nil
		}
	}
	return true, nil
}

// SaveState checkpoints state as JSON.
func (m *Manager) SaveState(ctx context.Context, taskID string, state any) error {
	start := time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}
	err = m.db.SaveAgentState(ctx, taskID, data)
	m.audit(ctx, taskID, "save_state", start, fmt.Sprintf("%d bytes", len(data)), "", err)
	return err
}

// LoadState decodes the last checkpoint into v. It reports false when none was saved.
func (m *Manager) LoadState(ctx context.Context, taskID string, v any) (bool, error) {
	start := time.Now()
	data, err := m.db.LoadAgentState(ctx, taskID)
	if err == nil && len(data) > 0 {
		if uerr := json.Unmarshal(data, v); uerr != nil {
			err = fmt.Errorf("failed to decode task state: %w", uerr)
		}
	}
	m.audit(ctx, taskID, "load_state", start, "", fmt.Sprintf("%d bytes", len(data)), err)
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

func (m *Manager) CanResume(ctx context.Context, taskID string) (bool, error) {
	task, err := m.db.GetAgentTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.CanResume(m.db.Now()), nil
}

func (m *Manager) CancelTask(ctx context.Context, taskID string) (bool, error) {
	start := time.Now()
	ok, err := m.db.CancelAgentTask(ctx, taskID)
	m.audit(ctx, taskID, "cancel_task", start, "", fmt.Sprintf("cancelled=%t", ok), err)
	if err == nil && ok {
		logger.Info("Task cancelled", zap.String("task_id", taskID))
	}
	return ok, err
}

// CleanupExpiredTasks deletes idle tasks created more than days ago. days <= 0 uses the
// configured retention.
func (m *Manager) CleanupExpiredTasks(ctx context.Context, days int) (int64, error) {
	start := time.Now()
	if days <= 0 {
		days = m.cfg.CleanupDays
	}
	cutoff := m.db.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := m.db.DeleteAgentTasksBefore(ctx, cutoff)
	m.audit(ctx, systemTaskID, "cleanup_expired_tasks", start, fmt.Sprintf("days=%d", days), fmt.Sprintf("deleted=%d", n), err)
	if err != nil {
		return 0, err
	}
	logger.Info("Expired tasks cleaned up", zap.Int("days", days), zap.Int64("deleted", n))
	return n, nil
}

func (m *Manager) ExecutionLogs(ctx context.Context, taskID string) ([]models.AgentExecutionLog, error) {
	return m.db.ListExecutionLogs(ctx, taskID)
}

// StartHeartbeat beats at the configured interval until the returned stop function is called or
// the task stops running.
func (m *Manager) StartHeartbeat(ctx context.Context, taskID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.UpdateHeartbeat(ctx, taskID)
				if err != nil {
					logger.Warn("Heartbeat failed", zap.String("task_id", taskID), zap.Error(err))
					continue
				}
				if !ok {
					logger.Info("Task no longer running, heartbeat stopped", zap.String("task_id", taskID))
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// audit appends one execution log row. Audit failures are logged, never returned.
func (m *Manager) audit(ctx context.Context, taskID, phase string, start time.Time, input, output string, opErr error) {
	ctx = context.WithoutCancel(ctx)
	attempts, err := m.db.CountPhaseAttempts(ctx, taskID, phase)
	if err != nil {
		logger.Warn("Failed to count phase attempts", zap.String("task_id", taskID), zap.Error(err))
	}

	end := time.Now()
	row := &models.AgentExecutionLog{
		TaskID:        taskID,
		AgentName:     m.agent,
		PhaseName:     phase,
		Status:        auditSuccess,
		AttemptNumber: attempts + 1,
		StartTime:     start,
		EndTime:       end,
		DurationMS:    end.Sub(start).Milliseconds(),
		InputSummary:  truncate(input, maxErrorLen),
		OutputSummary: truncate(output, maxErrorLen),
	}
	if opErr != nil {
		row.Status = auditFailed
		row.ErrorMessage = truncate(opErr.Error(), maxErrorLen)
	}
	if _, err := m.db.InsertExecutionLog(ctx, row); err != nil {
		logger.Warn("Failed to write execution log",
			zap.String("task_id", taskID),
			zap.String("phase", phase),
			zap.Error(err),
		)
	}
}

func summarize(result map[string]any, files int) string {
	if len(result) == 0 && files == 0 {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("files=%d", files)
	}
	if files > 0 {
		return fmt.Sprintf("%s files=%d", data, files)
	}
	return string(data)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
