package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tenderflow/backend/internal/filter"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/digest"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// Progress bands per step.
const (
	parseDone   = 20
	filterDone  = 60
	extractDone = 100
)

type unitCounts struct {
	processed int
	success   int
	failed    int
}

func (o *Orchestrator) runStep(ctx context.Context, projectID int64, step int) (*StepResult, error) {
	task, err := o.db.GetProcessingTask(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if task.CompletedStep < step-1 {
		return nil, errs.State("run step", "step %d requires step %d to be complete", step, step-1)
	}

	name := stepNames[step]
	start := time.Now()
	usage := &llm.Usage{}
	ctx = llm.WithUsage(ctx, usage)
	logger.Info("Step started", zap.Int64("project_id", projectID), zap.String("step", name))

	var stats map[string]int
	var counts unitCounts
	switch step {
	case StepParse:
		stats, counts, err = o.parse(ctx, task)
	case StepFilter:
		stats, counts, err = o.filterChunks(ctx, task)
	case StepExtract:
		stats, counts, err = o.extract(ctx, task)
	}

	status := "completed"
	if err != nil {
		status = "failed"
	}
	elapsed := time.Since(start)
	metrics.StepDuration.WithLabelValues(name, status).Observe(elapsed.Seconds())
	o.writeLog(ctx, projectID, name, status, counts, usage, start, err)

	if err != nil {
		logger.Error("Step failed",
			zap.Int64("project_id", projectID),
			zap.String("step", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}
	logger.Info("Step completed",
		zap.Int64("project_id", projectID),
		zap.String("step", name),
		zap.Any("stats", stats),
		zap.Duration("elapsed", elapsed),
	)
	return &StepResult{Step: step, Name: name, Success: true, Stats: stats, ElapsedMS: elapsed.Milliseconds()}, nil
}

func (o *Orchestrator) writeLog(ctx context.Context, projectID int64, step, status string, c unitCounts, usage *llm.Usage, start time.Time, stepErr error) {
	done := o.db.Now()
	entry := &models.ProcessingLog{
		ProjectID:      projectID,
		Step:           step,
		Status:         status,
		ProcessedItems: c.processed,
		SuccessItems:   c.success,
		FailedItems:    c.failed,
		APICalls:       usage.Calls(),
		TotalTokens:    usage.TotalTokens(),
		ActualCost:     llm.EstimateCost(usage, o.opts.CostPer1KTokens),
		StartedAt:      start,
		CompletedAt:    &done,
	}
	if stepErr != nil {
		entry.ErrorMessage = stepErr.Error()
	}
	if _, err := o.db.InsertProcessingLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to write processing log", zap.Int64("project_id", projectID), zap.Error(err))
	}
}

func (o *Orchestrator) parse(ctx context.Context, task *models.ProcessingTask) (map[string]int, unitCounts, error) {
	const op = "parse step"
	pid := task.ProjectID

	raw, err := o.db.LoadProcessingState(ctx, pid)
	if err != nil {
		return nil, unitCounts{}, err
	}
	var state savedState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, unitCounts{}, fmt.Errorf("failed to decode saved document: %w", err)
		}
	}
	if state.Document == nil {
		return nil, unitCounts{}, errs.State(op, "no document stored for project %d", pid)
	}

	sum := digest.String(state.Document.Text())
	existing, _, err := o.db.CountChunks(ctx, pid)
	if err != nil {
		return nil, unitCounts{}, err
	}
	if prev := task.StepDigests["step1"]; prev != "" && prev != sum && existing > 0 {
		return nil, unitCounts{}, errs.State(op, "project %d already holds chunks of a different document", pid)
	}

	total, inserted, err := o.ingest.Ingest(ctx, o.db, pid, state.Document)
	counts := unitCounts{processed: total, success: inserted}
	if err != nil {
		return nil, counts, err
	}

	err = o.db.CompleteProcessingStep(ctx, pid, sqlite.StepOutcome{
		Step:        StepParse,
		NextStep:    models.StepFilter,
		Progress:    parseDone,
		TotalChunks: &total,
		Digest:      sum,
	})
	return map[string]int{"total_chunks": total, "inserted": inserted}, counts, err
}

// progressBand moves the task's progress through [lo, hi) as units finish.
type progressBand struct {
	mu    sync.Mutex
	db    *sqlite.Client
	pid   int64
	step  string
	lo    int
	hi    int
	total int
	done  int
}

func (b *progressBand) tick(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	pct := b.lo + (b.hi-b.lo)*b.done/b.total
	if pct >= b.hi {
		pct = b.hi - 1
	}
	if err := b.db.SetProcessingProgress(context.WithoutCancel(ctx), b.pid, b.step, pct); err != nil {
		logger.Warn("Failed to update progress", zap.Int64("project_id", b.pid), zap.Error(err))
	}
}

// tooManyFailures applies the failure ratio. lastErr keeps the kind of the underlying failure.
func (o *Orchestrator) tooManyFailures(stage string, failed, total int, lastErr error) error {
	if total == 0 || failed == 0 {
		return nil
	}
	if float64(failed)/float64(total) <= o.opts.FailureRatio {
		return nil
	}
	return fmt.Errorf("%s: %d of %d chunks failed: %w", stage, failed, total, lastErr)
}

func (o *Orchestrator) filterChunks(ctx context.Context, task *models.ProcessingTask) (map[string]int, unitCounts, error) {
	pid := task.ProjectID
	all, err := o.db.ListChunks(ctx, pid, sqlite.ChunkQuery{})
	if err != nil {
		return nil, unitCounts{}, err
	}
	pending, err := o.db.ListChunks(ctx, pid, sqlite.ChunkQuery{Unlabeled: true})
	if err != nil {
		return nil, unitCounts{}, err
	}

	byIndex := make(map[int]models.DocumentChunk, len(all))
	for _, c := range all {
		byIndex[c.ChunkIndex] = c
	}
	neighbours := func(c models.DocumentChunk) filter.Neighbours {
		var n filter.Neighbours
		if prev, ok := byIndex[c.ChunkIndex-1]; ok {
			n.PrevTitle = prev.Title()
		}
		if next, ok := byIndex[c.ChunkIndex+1]; ok {
			n.NextTitle = next.Title()
		}
		return n
	}

	band := &progressBand{db: o.db, pid: pid, step: models.StepFilter, lo: parseDone, hi: filterDone, total: len(pending)}
	var mu sync.Mutex
	counts := unitCounts{processed: len(pending)}
	var lastErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, chunk := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := o.filter.Classify(gctx, chunk, neighbours(chunk), task.FilterModel)
			if err == nil {
				_, err = o.db.LabelChunk(gctx, chunk.ChunkID, d.IsValuable, d.Confidence, d.ModelUsed)
			}

			mu.Lock()
			if err != nil {
				counts.failed++
				lastErr = err
			} else {
				counts.success++
			}
			mu.Unlock()

			if err != nil {
				metrics.UnitFailures.WithLabelValues(models.StepFilter).Inc()
				logger.Warn("Chunk filter failed",
					zap.Int64("project_id", pid),
					zap.Int64("chunk_id", chunk.ChunkID),
					zap.Error(err),
				)
			} else {
				label := "noise"
				if d.IsValuable {
					label = "valuable"
				}
				metrics.ChunksFiltered.WithLabelValues(label).Inc()
			}
			band.tick(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, counts, err
	}
	if err := ctx.Err(); err != nil {
		return nil, counts, err
	}
	if err := o.tooManyFailures("filter", counts.failed, counts.processed, lastErr); err != nil {
		return nil, counts, err
	}

	total, valuable, err := o.db.CountChunks(ctx, pid)
	if err != nil {
		return nil, counts, err
	}
	err = o.db.CompleteProcessingStep(ctx, pid, sqlite.StepOutcome{
		Step:           StepFilter,
		NextStep:       models.StepExtract,
		Progress:       filterDone,
		ValuableChunks: &valuable,
	})
	stats := map[string]int{
		"total_chunks":    total,
		"valuable_chunks": valuable,
		"labelled":        counts.success,
		"failed":          counts.failed,
	}
	return stats, counts, err
}

func (o *Orchestrator) extract(ctx context.Context, task *models.ProcessingTask) (map[string]int, unitCounts, error) {
	pid := task.ProjectID
	pending, err := o.db.ListChunks(ctx, pid, sqlite.ChunkQuery{PendingExtraction: true})
	if err != nil {
		return nil, unitCounts{}, err
	}

	band := &progressBand{db: o.db, pid: pid, step: models.StepExtract, lo: filterDone, hi: extractDone, total: len(pending)}
	var mu sync.Mutex
	counts := unitCounts{processed: len(pending)}
	var lastErr error
	inserted := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, chunk := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reqs, err := o.extractor.Extract(gctx, chunk, task.ExtractModel)
			n, skipped := 0, false
			if err == nil {
				n, skipped, err = o.db.InsertChunkRequirements(gctx, pid, chunk.ChunkID, reqs)
			}

			mu.Lock()
			if err != nil {
				counts.failed++
				lastErr = err
			} else {
				counts.success++
				inserted += n
			}
			mu.Unlock()

			switch {
			case err != nil:
				metrics.UnitFailures.WithLabelValues(models.StepExtract).Inc()
				logger.Warn("Requirement extraction failed",
					zap.Int64("project_id", pid),
					zap.Int64("chunk_id", chunk.ChunkID),
					zap.Error(err),
				)
			case !skipped:
				for _, r := range reqs {
					metrics.RequirementsExtracted.WithLabelValues(r.ConstraintType).Inc()
				}
			}
			band.tick(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, counts, err
	}
	if err := ctx.Err(); err != nil {
		return nil, counts, err
	}
	if err := o.tooManyFailures("extract", counts.failed, counts.processed, lastErr); err != nil {
		return nil, counts, err
	}

	total, err := o.db.CountRequirements(ctx, pid)
	if err != nil {
		return nil, counts, err
	}
	_, valuable, err := o.db.CountChunks(ctx, pid)
	if err != nil {
		return nil, counts, err
	}
	if valuable > 0 && total == 0 {
		// Let the next run ask the model again instead of completing without requirements.
		if _, err := o.db.ReopenEmptyExtractions(ctx, pid); err != nil {
			return nil, counts, err
		}
		return nil, counts, errs.State("extract step", "no requirement extracted from %d valuable chunks", valuable)
	}

	err = o.db.CompleteProcessingStep(ctx, pid, sqlite.StepOutcome{
		Step:              StepExtract,
		NextStep:          models.StepDone,
		Progress:          extractDone,
		TotalRequirements: &total,
	})
	stats := map[string]int{
		"total_requirements": total,
		"inserted":           inserted,
		"failed":             counts.failed,
	}
	return stats, counts, err
}
