// Package pipeline drives the parse → filter → extract workflow of a project with persisted,
// resumable state.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/extraction"
	"github.com/tenderflow/backend/internal/filter"
	"github.com/tenderflow/backend/internal/ingestion"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// Step numbers.
const (
	StepParse   = 1
	StepFilter  = 2
	StepExtract = 3
)

const maxErrorRunes = 500

var stepNames = map[int]string{
	StepParse:   models.StepParse,
	StepFilter:  models.StepFilter,
	StepExtract: models.StepExtract,
}

type Options struct {
	Concurrency       int
	FailureRatio      float64
	Expiry            time.Duration
	HeartbeatInterval time.Duration
	AbnormalAfter     time.Duration
	CostPer1KTokens   float64
	MinChunkChars     int
	MaxChunkChars     int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Concurrency:       cfg.Pipeline.Concurrency,
		FailureRatio:      cfg.Pipeline.FailureRatio,
		Expiry:            cfg.Tasks.Expiry,
		HeartbeatInterval: cfg.Tasks.HeartbeatInterval,
		AbnormalAfter:     cfg.Tasks.AbnormalAfter,
		CostPer1KTokens:   cfg.LLM.CostPer1KTokens,
		MinChunkChars:     cfg.Pipeline.MinChunkChars,
		MaxChunkChars:     cfg.Pipeline.MaxChunkChars,
	}
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.FailureRatio <= 0 || o.FailureRatio > 1 {
		o.FailureRatio = 0.5
	}
	if o.Expiry <= 0 {
		o.Expiry = 24 * time.Hour
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.AbnormalAfter <= 0 {
		o.AbnormalAfter = 5 * time.Minute
	}
}

type StartRequest struct {
	ProjectID    int64
	ProjectName  string
	Document     *document.Document
	FilterModel  string
	ExtractModel string
	// Through is the last step to run, 3 when zero.
	Through int
}

type StepResult struct {
	Step      int            `json:"step"`
	Name      string         `json:"name"`
	Success   bool           `json:"success"`
	Stats     map[string]int `json:"stats"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

type Statistics struct {
	Filter  *models.FilterStats         `json:"filter"`
	Extract *models.ExtractStats        `json:"extract"`
	Summary []models.RequirementSummary `json:"summary"`
}

type Status struct {
	TaskID     string                 `json:"task_id"`
	Task       *models.ProcessingTask `json:"task"`
	Logs       []models.ProcessingLog `json:"logs"`
	Statistics Statistics             `json:"statistics"`
	CanResume  bool                   `json:"can_resume"`
	Abnormal   bool                   `json:"abnormal"`
	Active     bool                   `json:"active"`
}

type savedState struct {
	Document *document.Document `json:"document"`
}

// TaskID is the public id of a project's processing task.
func TaskID(projectID int64) string {
	return fmt.Sprintf("processing-%d", projectID)
}

// registry tracks the runs of this process by project.
type registry struct {
	mu   sync.Mutex
	runs map[int64]context.CancelFunc
}

func (r *registry) put(projectID int64, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[projectID] = cancel
}

func (r *registry) remove(projectID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, projectID)
}

func (r *registry) cancel(projectID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.runs[projectID]
	if ok {
		cancel()
	}
	return ok
}

func (r *registry) active(projectID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[projectID]
	return ok
}

type Orchestrator struct {
	db        *sqlite.Client
	ingest    *ingestion.Processor
	filter    *filter.Filter
	extractor *extraction.Extractor
	opts      Options
	registry  registry
	wg        sync.WaitGroup
}

func New(db *sqlite.Client, client llm.Client, pm *prompts.Manager, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		db:        db,
		ingest:    ingestion.NewProcessor(opts.MinChunkChars, opts.MaxChunkChars),
		filter:    filter.New(client, pm),
		extractor: extraction.New(client, pm),
		opts:      opts,
		registry:  registry{runs: make(map[int64]context.CancelFunc)},
	}
}

// Prepare creates or re-adopts the project's task and stores the document for step 1.
func (o *Orchestrator) Prepare(ctx context.Context, req StartRequest) (*models.ProcessingTask, error) {
	const op = "start processing"
	if req.ProjectID <= 0 {
		return nil, errs.Validation(op, "project_id must be positive")
	}
	if req.Document == nil {
		return nil, errs.Validation(op, "document is required")
	}
	if req.Through == 0 {
		req.Through = StepExtract
	}
	if req.Through < StepParse || req.Through > StepExtract {
		return nil, errs.Validation(op, "step must be between 1 and 3, got %d", req.Through)
	}

	if err := o.db.EnsureProject(ctx, req.ProjectID, req.ProjectName); err != nil {
		return nil, err
	}
	task, err := o.db.AdoptProcessingTask(ctx, sqlite.ProcessingTaskInput{
		ProjectID:    req.ProjectID,
		FilterModel:  req.FilterModel,
		ExtractModel: req.ExtractModel,
		PipelineConfig: map[string]any{
			"concurrency":   o.opts.Concurrency,
			"failure_ratio": o.opts.FailureRatio,
		},
		Options: map[string]any{"through": req.Through},
		Expiry:  o.opts.Expiry,
	})
	if err != nil {
		return nil, err
	}
	if task.OverallStatus == models.StatusRunning {
		return nil, errs.State(op, "project %d is already being processed", req.ProjectID)
	}

	state, err := json.Marshal(savedState{Document: req.Document})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	if err := o.db.SaveProcessingState(ctx, req.ProjectID, state); err != nil {
		return nil, err
	}
	return task, nil
}

// Start prepares the task and runs steps 1..Through in the background.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if _, err := o.Prepare(ctx, req); err != nil {
		return "", err
	}
	through := req.Through
	if through == 0 {
		through = StepExtract
	}
	o.spawn(req.ProjectID, StepParse, through)

	logger.Info("Processing started",
		zap.Int64("project_id", req.ProjectID),
		zap.String("filter_model", req.FilterModel),
		zap.String("extract_model", req.ExtractModel),
		zap.Int("through", through),
	)
	return TaskID(req.ProjectID), nil
}

// Continue resumes a pending or failed task at step and runs it to the end in the background.
func (o *Orchestrator) Continue(ctx context.Context, projectID int64, step int) error {
	if err := o.checkResume(ctx, projectID, step); err != nil {
		return err
	}
	o.spawn(projectID, step, StepExtract)
	return nil
}

func (o *Orchestrator) checkResume(ctx context.Context, projectID int64, step int) error {
	const op = "continue processing"
	if step < StepParse || step > StepExtract {
		return errs.Validation(op, "step must be between 1 and 3, got %d", step)
	}
	task, err := o.db.GetProcessingTask(ctx, projectID)
	if err != nil {
		return err
	}
	if !task.CanResume(o.db.Now()) {
		return errs.State(op, "project %d cannot be resumed (status %s)", projectID, task.OverallStatus)
	}
	if task.CompletedStep < step-1 {
		return errs.State(op, "step %d requires step %d to be complete", step, step-1)
	}
	return nil
}

func (o *Orchestrator) spawn(projectID int64, from, through int) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(context.Background(), projectID, from, through); err != nil {
			logger.Error("Processing run failed", zap.Int64("project_id", projectID), zap.Error(err))
		}
	}()
}

// Wait blocks until every background run has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// RunStep runs exactly one step under the task lock.
func (o *Orchestrator) RunStep(ctx context.Context, projectID int64, step int) (*StepResult, error) {
	results, err := o.Run(ctx, projectID, step, step)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// Run executes steps from..through while holding the task lock. The task ends completed after
// step 3 and pending otherwise.
func (o *Orchestrator) Run(ctx context.Context, projectID int64, from, through int) ([]StepResult, error) {
	const op = "run processing"
	if from < StepParse || through > StepExtract || from > through {
		return nil, errs.Validation(op, "invalid step range %d..%d", from, through)
	}
	task, err := o.db.GetProcessingTask(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if task.CompletedStep < from-1 {
		return nil, errs.State(op, "step %d requires step %d to be complete", from, from-1)
	}
	ok, err := o.db.TryAcquireProcessingTask(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.State(op, "project %d is running or cancelled", projectID)
	}
	if from == StepParse {
		if err := o.db.ResetProcessingProgress(ctx, projectID); err != nil {
			o.fail(ctx, projectID, from, err)
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.registry.put(projectID, cancel)
	defer o.registry.remove(projectID)

	metrics.ActiveTasks.WithLabelValues("processing").Inc()
	defer metrics.ActiveTasks.WithLabelValues("processing").Dec()

	stop := o.heartbeat(ctx, projectID)
	defer stop()

	var results []StepResult
	for step := from; step <= through; step++ {
		res, err := o.runStep(ctx, projectID, step)
		if err != nil {
			return results, o.fail(ctx, projectID, step, err)
		}
		results = append(results, *res)
	}

	status := models.StatusPending
	if through == StepExtract {
		status = models.StatusCompleted
	}
	err = o.db.ReleaseProcessingTask(context.WithoutCancel(ctx), projectID, sqlite.ReleaseInput{Status: status, Resumable: status != models.StatusCompleted})
	if err != nil {
		return results, err
	}
	logger.Info("Processing run finished",
		zap.Int64("project_id", projectID),
		zap.Int("from", from),
		zap.Int("through", through),
		zap.String("status", string(status)),
	)
	return results, nil
}

func (o *Orchestrator) fail(ctx context.Context, projectID int64, step int, err error) error {
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		logger.Info("Processing stopped after cancellation", zap.Int64("project_id", projectID), zap.Int("step", step))
		// A no-op when Cancel already moved the task out of running.
		rerr := o.db.ReleaseProcessingTask(bg, projectID, sqlite.ReleaseInput{Status: models.StatusCancelled, Error: "cancelled"})
		if rerr != nil {
			logger.Error("Failed to release processing task", zap.Int64("project_id", projectID), zap.Error(rerr))
		}
		return err
	}

	kind := errs.KindOf(err)
	resumable := kind != errs.KindConfiguration && kind != errs.KindValidation
	msg := fmt.Sprintf("step %d (%s): %v", step, stepNames[step], err)
	if r := []rune(msg); len(r) > maxErrorRunes {
		msg = string(r[:maxErrorRunes])
	}
	if rerr := o.db.ReleaseProcessingTask(bg, projectID, sqlite.ReleaseInput{Status: models.StatusFailed, Error: msg, Resumable: resumable}); rerr != nil {
		logger.Error("Failed to release processing task", zap.Int64("project_id", projectID), zap.Error(rerr))
	}
	return err
}

func (o *Orchestrator) heartbeat(ctx context.Context, projectID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.db.HeartbeatProcessingTask(ctx, projectID); err != nil {
					logger.Warn("Heartbeat failed", zap.Int64("project_id", projectID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Cancel marks the task cancelled. A run in this process stops at the next chunk boundary.
func (o *Orchestrator) Cancel(ctx context.Context, projectID int64) (bool, error) {
	ok, err := o.db.CancelProcessingTask(ctx, projectID)
	if err != nil {
		return false, err
	}
	o.registry.cancel(projectID)
	if ok {
		logger.Info("Processing cancelled", zap.Int64("project_id", projectID))
	}
	return ok, nil
}

// abnormal reports a running task whose worker stopped sending heartbeats.
func (o *Orchestrator) abnormal(task *models.ProcessingTask, now time.Time) bool {
	return task.OverallStatus == models.StatusRunning &&
		(task.LastHeartbeat == nil || now.Sub(*task.LastHeartbeat) > o.opts.AbnormalAfter)
}

// Release hands a task left running by a lost worker back as failed and resumable, so Continue
// can pick it up at the first incomplete step. A run of this process is only released once its
// heartbeat has gone stale.
func (o *Orchestrator) Release(ctx context.Context, projectID int64) (*models.ProcessingTask, error) {
	const op = "release processing"
	task, err := o.db.GetProcessingTask(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if task.OverallStatus != models.StatusRunning {
		return nil, errs.State(op, "project %d is not running (status %s)", projectID, task.OverallStatus)
	}
	if o.registry.active(projectID) {
		if !o.abnormal(task, o.db.Now()) {
			return nil, errs.State(op, "project %d is still running in this process", projectID)
		}
		o.registry.cancel(projectID)
	}

	msg := fmt.Sprintf("released by operator at step %s after worker loss", task.CurrentStep)
	err = o.db.ReleaseProcessingTask(ctx, projectID, sqlite.ReleaseInput{Status: models.StatusFailed, Error: msg, Resumable: true})
	if err != nil {
		return nil, err
	}
	logger.Warn("Processing task released",
		zap.Int64("project_id", projectID),
		zap.Int("completed_step", task.CompletedStep),
		zap.String("current_step", task.CurrentStep),
	)
	return o.db.GetProcessingTask(ctx, projectID)
}

func (o *Orchestrator) Status(ctx context.Context, projectID int64) (*Status, error) {
	task, err := o.db.GetProcessingTask(ctx, projectID)
	if err != nil {
		return nil, err
	}
	logs, err := o.db.ListProcessingLogs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []models.ProcessingLog{}
	}
	stats, err := o.Analytics(ctx, projectID)
	if err != nil {
		return nil, err
	}

	now := o.db.Now()
	return &Status{
		TaskID:     TaskID(projectID),
		Task:       task,
		Logs:       logs,
		Statistics: *stats,
		CanResume:  task.CanResume(now),
		Abnormal:   o.abnormal(task, now),
		Active:     o.registry.active(projectID),
	}, nil
}

// Analytics aggregates the filter and extraction outcome of a project.
func (o *Orchestrator) Analytics(ctx context.Context, projectID int64) (*Statistics, error) {
	fs, err := o.db.FilterStats(ctx, projectID)
	if err != nil {
		return nil, err
	}
	es, err := o.db.ExtractStats(ctx, projectID)
	if err != nil {
		return nil, err
	}
	summary, err := o.db.RequirementSummary(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		summary = []models.RequirementSummary{}
	}
	return &Statistics{Filter: fs, Extract: es, Summary: summary}, nil
}
