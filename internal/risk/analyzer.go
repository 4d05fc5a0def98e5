// Package risk implements the expert-relay risk analysis of a tender: TOC navigation, smart
// chunking, per-chunk evaluation, todo generation and optional reconciliation against a response
// document.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	ModeBidOnly   = "bid_only"
	ModeReconcile = "bid_response_reconcile"
)

// Event stages.
const (
	StageToc        = "toc"
	StageChunking   = "chunking"
	StageEvaluating = "evaluating"
	StageTodo       = "todo"
	StageReconcile  = "reconciling"
	StageCompleted  = "completed"
	StageError      = "error"
)

type Event struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
}

// Callbacks let a caller persist partial results while the analysis runs. Both may be nil and
// are never called concurrently.
type Callbacks struct {
	OnProgress func(Event)
	OnItems    func(items []models.RiskItem)
}

type Options struct {
	TocScanChars  int
	ChunkSize     int
	MaxChunkSize  int
	TodoBatchSize int
	Concurrency   int
	RelatedTopK   int
	Weights       Weights
}

func OptionsFromConfig(cfg config.RiskConfig) Options {
	return Options{
		TocScanChars:  cfg.TocScanChars,
		ChunkSize:     cfg.ChunkSize,
		MaxChunkSize:  cfg.MaxChunkSize,
		TodoBatchSize: cfg.TodoBatchSize,
		Concurrency:   cfg.Concurrency,
		RelatedTopK:   cfg.RelatedTopK,
		Weights: Weights{
			High:   cfg.HighWeight,
			Medium: cfg.MediumWeight,
			Low:    cfg.LowWeight,
			Max:    cfg.MaxRiskScore,
		},
	}
}

type Input struct {
	Text         string
	ResponseText string
	Mode         string
	Model        string
}

type Report struct {
	Mode              string            `json:"mode"`
	Toc               TocResult         `json:"toc"`
	Chunks            []Chunk           `json:"-"`
	ChunkCount        int               `json:"chunk_count"`
	FailedChunks      int               `json:"failed_chunks"`
	FailedTodoBatches int               `json:"failed_todo_batches"`
	FailedAudits      int               `json:"failed_audits"`
	Items             []models.RiskItem `json:"items"`
	Counts            Counts            `json:"counts"`
	RiskScore         int               `json:"risk_score"`
	Summary           string            `json:"summary"`
	Compliance        map[string]int    `json:"compliance,omitempty"`
	ElapsedMS         int64             `json:"elapsed_ms"`
}

type Analyzer struct {
	navigator *Navigator
	chunker   *Chunker
	evaluator *Evaluator
	todos     *TodoGenerator
	auditor   *Auditor
	keywords  *Keywords
	opts      Options
}

func NewAnalyzer(client llm.Client, pm *prompts.Manager, kw *Keywords, opts Options) *Analyzer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	return &Analyzer{
		navigator: NewNavigator(client, pm, kw, opts.TocScanChars),
		chunker:   NewChunker(opts.ChunkSize, opts.MaxChunkSize, kw),
		evaluator: NewEvaluator(client, pm),
		todos:     NewTodoGenerator(client, pm, opts.TodoBatchSize),
		auditor:   NewAuditor(client, pm, kw, opts.RelatedTopK),
		keywords:  kw,
		opts:      opts,
	}
}

// reporter serialises callback invocations and keeps progress monotone.
type reporter struct {
	mu   sync.Mutex
	cb   Callbacks
	last int
	seq  int
}

func (r *reporter) progress(stage string, pct int, msg string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	if r.cb.OnProgress != nil {
		r.cb.OnProgress(Event{Stage: stage, Progress: pct, Message: msg, Data: data})
	}
}

// items numbers partial items in arrival order before handing them out.
func (r *reporter) items(items []models.RiskItem) {
	if len(items) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		items[i].Index = r.seq
		r.seq++
	}
	if r.cb.OnItems != nil {
		r.cb.OnItems(items)
	}
}

func (a *Analyzer) Analyze(ctx context.Context, in Input, cb Callbacks) (*Report, error) {
	if strings.TrimSpace(in.Text) == "" {
		return nil, errs.Validation("analyze risk", "document text is empty")
	}
	if in.Mode == "" {
		in.Mode = ModeBidOnly
	}
	if in.Mode != ModeBidOnly && in.Mode != ModeReconcile {
		return nil, errs.Validation("analyze risk", "unknown mode %q", in.Mode)
	}
	if in.Mode == ModeReconcile && strings.TrimSpace(in.ResponseText) == "" {
		return nil, errs.Validation("analyze risk", "mode %s needs a response document", in.Mode)
	}

	start := time.Now()
	rep := &reporter{cb: cb}
	report := &Report{Mode: in.Mode}

	rep.progress(StageToc, 2, "正在识别目录结构", nil)
	report.Toc = a.navigator.Navigate(ctx, in.Text, in.Model)
	rep.progress(StageToc, 10, tocMessage(report.Toc), report.Toc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Chunks = a.chunker.Split(in.Text, report.Toc)
	report.ChunkCount = len(report.Chunks)
	rep.progress(StageChunking, 15, fmt.Sprintf("文档切分为%d个片段", report.ChunkCount), map[string]any{"chunks": report.ChunkCount})

	items, failed, err := a.evaluate(ctx, report.Chunks, report.Toc.HasToc, in.Model, rep)
	if err != nil {
		return nil, err
	}
	report.FailedChunks = failed
	items = Dedup(items)

	rep.progress(StageTodo, 70, fmt.Sprintf("正在为%d个风险项生成待办", len(items)), nil)
	report.FailedTodoBatches = a.todos.Generate(ctx, items, in.Model, func(done, total int) {
		rep.progress(StageTodo, 70+15*done/total, fmt.Sprintf("待办生成 %d/%d", done, total), nil)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if in.Mode == ModeReconcile {
		report.FailedAudits, report.Compliance = a.reconcile(ctx, items, responseParagraphs(in.ResponseText), in.Model, rep)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	report.Items = items
	report.Counts = CountItems(items, a.opts.Weights)
	report.RiskScore = report.Counts.Score
	report.Summary = a.keywords.Summary(report.Counts)
	report.ElapsedMS = time.Since(start).Milliseconds()

	for _, it := range items {
		metrics.RiskItemsFound.WithLabelValues(it.RiskLevel).Inc()
	}
	logger.Info("Risk analysis finished",
		zap.String("mode", in.Mode),
		zap.Bool("has_toc", report.Toc.HasToc),
		zap.Int("chunks", report.ChunkCount),
		zap.Int("failed_chunks", failed),
		zap.Int("items", len(items)),
		zap.Int("risk_score", report.RiskScore),
		zap.Duration("elapsed", time.Since(start)),
	)
	rep.progress(StageCompleted, 100, report.Summary, nil)
	return report, nil
}

var errAllChunksFailed = errors.New("every chunk failed evaluation")

func (a *Analyzer) evaluate(ctx context.Context, chunks []Chunk, hasToc bool, model string, rep *reporter) ([]models.RiskItem, int, error) {
	if len(chunks) == 0 {
		return nil, 0, nil
	}

	results := make([][]models.RiskItem, len(chunks))
	var mu sync.Mutex
	done, failed := 0, 0
	var lastErr error

	g := new(errgroup.Group)
	g.SetLimit(a.opts.Concurrency)
	for i, ch := range chunks {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			items, err := a.evaluator.Evaluate(ctx, ch, hasToc, model)

			mu.Lock()
			done++
			n := done
			if err != nil {
				failed++
				lastErr = err
			} else {
				results[i] = items
			}
			mu.Unlock()

			if err != nil {
				logger.Warn("Chunk evaluation failed", zap.Int("chunk", ch.Index), zap.String("title", ch.Title), zap.Error(err))
			} else {
				partial := make([]models.RiskItem, len(items))
				copy(partial, items)
				rep.items(partial)
			}
			rep.progress(StageEvaluating, 15+55*n/len(chunks), fmt.Sprintf("已评审 %d/%d：%s", n, len(chunks), ch.Title), nil)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, failed, err
	}
	if failed == len(chunks) {
		return nil, failed, fmt.Errorf("%w: %w", errAllChunksFailed, lastErr)
	}

	var items []models.RiskItem
	for _, r := range results {
		items = append(items, r...)
	}
	return items, failed, nil
}

func (a *Analyzer) reconcile(ctx context.Context, items []models.RiskItem, response []string, model string, rep *reporter) (int, map[string]int) {
	rep.progress(StageReconcile, 85, "正在核对投标文件响应情况", nil)

	var mu sync.Mutex
	done, failed := 0, 0
	g := new(errgroup.Group)
	g.SetLimit(a.opts.Concurrency)
	for i := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := a.auditor.Audit(ctx, &items[i], response, model)
			if err != nil {
				items[i].ComplianceStatus = models.ComplianceUnknown
				logger.Warn("Compliance audit failed", zap.Int("item", items[i].Index), zap.Error(err))
			}

			mu.Lock()
			done++
			n := done
			if err != nil {
				failed++
			}
			mu.Unlock()
			rep.progress(StageReconcile, 85+13*n/len(items), fmt.Sprintf("已核对 %d/%d", n, len(items)), nil)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	for _, it := range items {
		if it.ComplianceStatus != "" {
			counts[it.ComplianceStatus]++
		}
	}
	return failed, counts
}

// Stream runs Analyze and delivers its progress as a finite event sequence. The last event has
// stage completed (carrying the report) or error. The channel is closed afterwards.
func (a *Analyzer) Stream(ctx context.Context, in Input) <-chan Event {
	ch := make(chan Event, 16)
	send := func(e Event) {
		select {
		case ch <- e:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(ch)
		report, err := a.Analyze(ctx, in, Callbacks{
			OnProgress: func(e Event) {
				if e.Stage != StageCompleted {
					send(e)
				}
			},
			OnItems: func(items []models.RiskItem) {
				send(Event{Stage: StageEvaluating, Message: fmt.Sprintf("新增%d个风险项", len(items)), Data: map[string]any{"items": items}})
			},
		})
		if err != nil {
			send(Event{Stage: StageError, Progress: 100, Message: err.Error()})
			return
		}
		send(Event{Stage: StageCompleted, Progress: 100, Message: report.Summary, Data: report})
	}()
	return ch
}

func tocMessage(toc TocResult) string {
	if !toc.HasToc {
		return "未识别到目录，将按篇幅切分"
	}
	return fmt.Sprintf("识别到%d个章节，排除%d个", len(toc.Entries), len(toc.ExcludeChapters))
}

func responseParagraphs(text string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(text, "\f", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// TextFromDocument flattens a parsed document, marking page changes with form feeds so that the
// chunker can report page ranges.
func TextFromDocument(doc *document.Document) string {
	var b strings.Builder
	page := 1
	for i, p := range doc.Paragraphs {
		if i > 0 {
			b.WriteByte('\n')
		}
		for ; page < p.Page; page++ {
			b.WriteByte('\f')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}
