package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/export"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const TaskTypeRisk = "risk_analysis"

// Risk task phases.
const (
	PhaseParseDocument = "parse_document"
	PhaseAnalyze       = "analyze"
	PhaseExport        = "export"
)

type RiskRequest struct {
	FilePath     string `json:"file_path"`
	ResponsePath string `json:"response_path,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	Mode         string `json:"mode,omitempty"`
	ProjectID    int64  `json:"project_id,omitempty"`
}

func (r *RiskRequest) normalize() error {
	const op = "submit risk analysis"
	if r.FilePath == "" {
		return errs.Validation(op, "file_path is required")
	}
	if r.Mode == "" {
		r.Mode = risk.ModeBidOnly
	}
	if r.Mode != risk.ModeBidOnly && r.Mode != risk.ModeReconcile {
		return errs.Validation(op, "unknown mode %q", r.Mode)
	}
	if r.Mode == risk.ModeReconcile && r.ResponsePath == "" {
		return errs.Validation(op, "mode %s requires response_path", r.Mode)
	}
	for _, p := range []string{r.FilePath, r.ResponsePath} {
		if p == "" {
			continue
		}
		if _, err := document.ParserFor(p); err != nil {
			return err
		}
		if _, err := os.Stat(p); err != nil {
			return errs.Validation(op, "file %s is not readable", p)
		}
	}
	return nil
}

func (r RiskRequest) input() map[string]any {
	return map[string]any{
		"file_path":     r.FilePath,
		"response_path": r.ResponsePath,
		"model_name":    r.ModelName,
		"mode":          r.Mode,
	}
}

func requestFromTask(task *models.AgentTask) RiskRequest {
	get := func(k string) string {
		s, _ := task.Input[k].(string)
		return s
	}
	return RiskRequest{
		FilePath:     get("file_path"),
		ResponsePath: get("response_path"),
		ModelName:    get("model_name"),
		Mode:         get("mode"),
		ProjectID:    task.ProjectID,
	}
}

// RiskResult is the compact outcome stored on the task row.
type RiskResult struct {
	RiskScore    int            `json:"risk_score"`
	Counts       risk.Counts    `json:"counts"`
	Summary      string         `json:"summary"`
	HasToc       bool           `json:"has_toc"`
	ChunkCount   int            `json:"chunk_count"`
	FailedChunks int            `json:"failed_chunks"`
	Compliance   map[string]int `json:"compliance,omitempty"`
	ReportPath   string         `json:"report_path,omitempty"`
}

type RiskStatus struct {
	Task      *models.AgentTask `json:"task"`
	Items     []models.RiskItem `json:"items"`
	Abnormal  bool              `json:"abnormal"`
	CanResume bool              `json:"can_resume"`
}

// RiskRunner executes risk analysis tasks in background goroutines.
type RiskRunner struct {
	tasks     *Manager
	db        *sqlite.Client
	analyzer  *risk.Analyzer
	hub       *Hub
	exportDir string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRiskRunner(tasks *Manager, db *sqlite.Client, analyzer *risk.Analyzer, hub *Hub, exportDir string) *RiskRunner {
	if hub == nil {
		hub = NewHub(nil)
	}
	if exportDir == "" {
		exportDir = "./data/exports"
	}
	return &RiskRunner{
		tasks:     tasks.WithAgent("risk_analyzer"),
		db:        db,
		analyzer:  analyzer,
		hub:       hub,
		exportDir: exportDir,
		running:   make(map[string]context.CancelFunc),
	}
}

func (r *RiskRunner) Hub() *Hub { return r.hub }

// Submit validates the request, creates the task and starts it in the background.
func (r *RiskRunner) Submit(ctx context.Context, req RiskRequest) (string, error) {
	id, err := r.Create(ctx, req)
	if err != nil {
		return "", err
	}
	r.spawn(id)
	return id, nil
}

// Create validates the request and stores a pending task without running it.
func (r *RiskRunner) Create(ctx context.Context, req RiskRequest) (string, error) {
	if err := req.normalize(); err != nil {
		return "", err
	}
	return r.tasks.CreateTask(ctx, CreateInput{TaskType: TaskTypeRisk, ProjectID: req.ProjectID, Input: req.input()})
}

// Resume restarts a failed or pending task. Completed phases with intact artifacts are skipped.
func (r *RiskRunner) Resume(ctx context.Context, taskID string) error {
	ok, err := r.tasks.CanResume(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.State("resume risk task", "task %s cannot be resumed", taskID)
	}
	r.spawn(taskID)
	return nil
}

func (r *RiskRunner) spawn(taskID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(context.Background(), taskID); err != nil {
			logger.Error("Risk task failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
}

// Wait blocks until every background run has returned.
func (r *RiskRunner) Wait() {
	r.wg.Wait()
}

// Cancel marks the task cancelled and stops its run at the next chunk boundary.
func (r *RiskRunner) Cancel(ctx context.Context, taskID string) (bool, error) {
	ok, err := r.tasks.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	if cancel, found := r.running[taskID]; found {
		cancel()
	}
	r.mu.Unlock()
	return ok, nil
}

func (r *RiskRunner) Status(ctx context.Context, taskID string) (*RiskStatus, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	items, err := r.db.ListRiskItems(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.RiskItem{}
	}
	now := r.db.Now()
	return &RiskStatus{
		Task:      task,
		Items:     items,
		Abnormal:  r.tasks.abnormal(task),
		CanResume: task.CanResume(now),
	}, nil
}

// Run executes one task under its lock. A second concurrent Run of the same task gets a state
// error and does nothing.
func (r *RiskRunner) Run(ctx context.Context, taskID string) error {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.OverallStatus == models.StatusCompleted || task.OverallStatus == models.StatusCancelled {
		return errs.State("run risk task", "task %s is %s", taskID, task.OverallStatus)
	}

	ok, err := r.tasks.TryAcquireTaskLock(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.State("run risk task", "task %s is already running", taskID)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.running[taskID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, taskID)
		r.mu.Unlock()
	}()

	metrics.ActiveTasks.WithLabelValues(TaskTypeRisk).Inc()
	defer metrics.ActiveTasks.WithLabelValues(TaskTypeRisk).Dec()

	stop := r.tasks.StartHeartbeat(ctx, taskID)
	defer stop()

	start := time.Now()
	report, err := r.execute(ctx, taskID)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}

	if _, err := r.tasks.ReleaseTaskLock(ctx, taskID, models.StatusCompleted, "", false); err != nil {
		return err
	}
	r.hub.Finish(ctx, Event{TaskID: taskID, Stage: risk.StageCompleted, Progress: 100, Message: report.Summary})
	logger.Info("Risk task completed",
		zap.String("task_id", taskID),
		zap.Int("items", len(report.Items)),
		zap.Int("risk_score", report.RiskScore),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (r *RiskRunner) execute(ctx context.Context, taskID string) (*risk.Report, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	req := requestFromTask(task)

	var report risk.Report
	reuse, err := r.tasks.PhaseCompleted(ctx, taskID, PhaseAnalyze)
	if err != nil {
		return nil, err
	}
	if reuse {
		if reuse, err = r.tasks.LoadState(ctx, taskID, &report); err != nil {
			return nil, err
		}
	}
	if reuse {
		logger.Info("Reusing saved analysis", zap.String("task_id", taskID))
	} else {
		text, response, err := r.parse(ctx, taskID, req)
		if err != nil {
			return nil, err
		}
		rep, err := r.analyze(ctx, taskID, req, text, response)
		if err != nil {
			return nil, err
		}
		report = *rep
	}

	path, err := r.export(ctx, taskID, req, &report)
	if err != nil {
		return nil, err
	}

	result := RiskResult{
		RiskScore:    report.RiskScore,
		Counts:       report.Counts,
		Summary:      report.Summary,
		HasToc:       report.Toc.HasToc,
		ChunkCount:   report.ChunkCount,
		FailedChunks: report.FailedChunks,
		Compliance:   report.Compliance,
		ReportPath:   path,
	}
	if err := r.db.SetAgentResult(ctx, taskID, result); err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *RiskRunner) parse(ctx context.Context, taskID string, req RiskRequest) (text, response string, err error) {
	r.tasks.UpdatePhase(ctx, taskID, PhaseParseDocument, PhaseUpdate{Status: PhaseRunning})

	doc, err := document.ParseFile(ctx, req.FilePath)
	if err != nil {
		r.phaseFailed(ctx, taskID, PhaseParseDocument, err)
		return "", "", err
	}
	text = risk.TextFromDocument(doc)
	result := map[string]any{"paragraphs": len(doc.Paragraphs)}

	if req.Mode == risk.ModeReconcile {
		resp, err := document.ParseFile(ctx, req.ResponsePath)
		if err != nil {
			r.phaseFailed(ctx, taskID, PhaseParseDocument, err)
			return "", "", err
		}
		response = resp.Text()
		result["response_paragraphs"] = len(resp.Paragraphs)
	}

	err = r.tasks.UpdatePhase(ctx, taskID, PhaseParseDocument, PhaseUpdate{Status: PhaseCompleted, Result: result})
	return text, response, err
}

func (r *RiskRunner) analyze(ctx context.Context, taskID string, req RiskRequest, text, response string) (*risk.Report, error) {
	r.tasks.UpdatePhase(ctx, taskID, PhaseAnalyze, PhaseUpdate{Status: PhaseRunning})

	// Partial rows of an earlier attempt would otherwise mix with this run's.
	if err := r.db.ReplaceRiskItems(ctx, taskID, nil); err != nil {
		return nil, err
	}

	cb := risk.Callbacks{
		OnProgress: func(e risk.Event) {
			if err := r.tasks.UpdateProgress(ctx, taskID, e.Stage, e.Progress, e.Message); err != nil {
				logger.Warn("Failed to store task progress", zap.String("task_id", taskID), zap.Error(err))
			}
			if e.Stage != risk.StageCompleted {
				r.hub.Publish(ctx, Event{TaskID: taskID, Stage: e.Stage, Progress: e.Progress, Message: e.Message})
			}
		},
		OnItems: func(items []models.RiskItem) {
			if err := r.db.AppendRiskItems(ctx, taskID, items); err != nil {
				logger.Warn("Failed to store partial risk items", zap.String("task_id", taskID), zap.Error(err))
			}
			r.hub.Publish(ctx, Event{
				TaskID:  taskID,
				Stage:   risk.StageEvaluating,
				Message: fmt.Sprintf("新增%d个风险项", len(items)),
				Data:    map[string]any{"items": items},
			})
		},
	}

	report, err := r.analyzer.Analyze(ctx, risk.Input{
		Text:         text,
		ResponseText: response,
		Mode:         req.Mode,
		Model:        req.ModelName,
	}, cb)
	if err != nil {
		r.phaseFailed(ctx, taskID, PhaseAnalyze, err)
		return nil, err
	}

	if err := r.db.ReplaceRiskItems(ctx, taskID, report.Items); err != nil {
		return nil, err
	}
	if err := r.tasks.SaveState(ctx, taskID, report); err != nil {
		return nil, err
	}
	err = r.tasks.UpdatePhase(ctx, taskID, PhaseAnalyze, PhaseUpdate{
		Status: PhaseCompleted,
		Result: map[string]any{
			"items":         len(report.Items),
			"risk_score":    report.RiskScore,
			"chunks":        report.ChunkCount,
			"failed_chunks": report.FailedChunks,
		},
	})
	return report, err
}

func (r *RiskRunner) reportPath(taskID string) string {
	return filepath.Join(r.exportDir, taskID+".xlsx")
}

func (r *RiskRunner) export(ctx context.Context, taskID string, req RiskRequest, report *risk.Report) (string, error) {
	path := r.reportPath(taskID)
	done, err := r.tasks.PhaseCompleted(ctx, taskID, PhaseExport)
	if err != nil {
		return "", err
	}
	if done {
		return path, nil
	}

	if err := export.SaveRiskReport(path, report, filepath.Base(req.FilePath)); err != nil {
		r.phaseFailed(ctx, taskID, PhaseExport, err)
		return "", err
	}
	err = r.tasks.UpdatePhase(ctx, taskID, PhaseExport, PhaseUpdate{
		Status:         PhaseCompleted,
		Result:         map[string]any{"path": path},
		GeneratedFiles: []string{path},
	})
	return path, err
}

// ReportFile returns the Excel report of a completed analysis, regenerating it from the saved
// analysis when the file was removed or modified.
func (r *RiskRunner) ReportFile(ctx context.Context, taskID string) (string, error) {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	done, err := r.tasks.PhaseCompleted(ctx, taskID, PhaseExport)
	if err != nil {
		return "", err
	}
	if done {
		return r.reportPath(taskID), nil
	}

	var report risk.Report
	found, err := r.tasks.LoadState(ctx, taskID, &report)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errs.State("export risk report", "task %s has no finished analysis", taskID)
	}
	return r.export(ctx, taskID, requestFromTask(task), &report)
}

func (r *RiskRunner) phaseFailed(ctx context.Context, taskID, phase string, err error) {
	if uerr := r.tasks.UpdatePhase(context.WithoutCancel(ctx), taskID, phase, PhaseUpdate{Status: PhaseFailed, Error: err.Error()}); uerr != nil {
		logger.Warn("Failed to record phase failure", zap.String("task_id", taskID), zap.String("phase", phase), zap.Error(uerr))
	}
}

// fail releases the lock after an error. Configuration and validation errors cannot be fixed by
// retrying, so they make the task non-resumable.
func (r *RiskRunner) fail(ctx context.Context, taskID string, err error) error {
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Risk task stopped after cancellation", zap.String("task_id", taskID))
		r.hub.Finish(bg, Event{TaskID: taskID, Stage: risk.StageError, Progress: 100, Message: "任务已取消"})
		// Nothing to release when Cancel already moved the task out of running.
		if _, rerr := r.tasks.ReleaseTaskLock(bg, taskID, models.StatusCancelled, "cancelled", false); rerr != nil {
			logger.Warn("Failed to release cancelled task", zap.String("task_id", taskID), zap.Error(rerr))
		}
		return err
	}

	kind := errs.KindOf(err)
	resumable := kind != errs.KindConfiguration && kind != errs.KindValidation
	if _, rerr := r.tasks.ReleaseTaskLock(bg, taskID, models.StatusFailed, err.Error(), resumable); rerr != nil {
		logger.Error("Failed to release task lock", zap.String("task_id", taskID), zap.Error(rerr))
	}
	r.hub.Finish(bg, Event{TaskID: taskID, Stage: risk.StageError, Progress: 100, Message: err.Error()})
	return err
}
