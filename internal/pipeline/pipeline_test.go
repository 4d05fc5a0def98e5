package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/llm/llmtest"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/errs"
)

var clauseRe = regexp.MustCompile(`条款(\d{2})`)

func clauseOf(t *testing.T, prompt string) int {
	m := clauseRe.FindStringSubmatch(prompt)
	if m == nil {
		t.Errorf("prompt without clause marker: %q", prompt)
		return -1
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func tenderDoc(n int) *document.Document {
	doc := &document.Document{Name: "tender.docx"}
	for i := 0; i < n; i++ {
		doc.Paragraphs = append(doc.Paragraphs, document.Paragraph{
			Index: i,
			Text:  fmt.Sprintf("条款%02d：投标人应当满足本条所列要求。", i),
		})
	}
	return doc
}

// expert labels odd clauses valuable and extracts one requirement from each of them.
type expert struct {
	t        *testing.T
	mu       sync.Mutex
	failOn   map[int]bool
	failAll  string
	extracts map[int]int
}

func newExpert(t *testing.T) *expert {
	return &expert{t: t, failOn: map[int]bool{}, extracts: map[int]int{}}
}

func (e *expert) respond(req llm.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := clauseOf(e.t, req.Prompt)
	if req.Purpose == e.failAll {
		return "", errs.API("call model", errors.New("upstream unavailable"))
	}
	switch req.Purpose {
	case string(prompts.ChunkFilter):
		return fmt.Sprintf(`{"is_valuable": %t, "confidence": 0.9}`, n%2 == 1), nil
	case string(prompts.RequirementExtractor):
		if e.failOn[n] {
			return "", errs.API("call model", errors.New("timeout"))
		}
		e.extracts[n]++
		return fmt.Sprintf(`{"requirements":[{"constraint_type":"mandatory","category":"资质","detail":"条款%02d的资格要求","priority":"high","confidence":0.9}]}`, n), nil
	}
	e.t.Errorf("unexpected purpose %q", req.Purpose)
	return "", errors.New("unexpected purpose")
}

func newTestOrchestrator(t *testing.T, client llm.Client, concurrency int) (*Orchestrator, *sqlite.Client) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tender.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	o := New(db, client, prompts.NewManager(""), Options{
		Concurrency:       concurrency,
		FailureRatio:      0.5,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	return o, db
}

func start(t *testing.T, o *Orchestrator, pid int64, doc *document.Document) {
	t.Helper()
	_, err := o.Prepare(context.Background(), StartRequest{ProjectID: pid, Document: doc, FilterModel: "M-f", ExtractModel: "M-e"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
}

func TestFullRunLabelsAndExtracts(t *testing.T) {
	e := newExpert(t)
	fake := llmtest.New(e.respond)
	o, db := newTestOrchestrator(t, fake, 3)
	ctx := context.Background()

	id, err := o.Start(ctx, StartRequest{ProjectID: 1, Document: tenderDoc(10), FilterModel: "M-f", ExtractModel: "M-e"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "processing-1" {
		t.Fatalf("task id = %q", id)
	}
	o.Wait()

	task, err := db.GetProcessingTask(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if task.OverallStatus != models.StatusCompleted || task.ProgressPercentage != 100 || task.CompletedStep != 3 {
		t.Fatalf("task = %+v", task)
	}
	if task.TotalChunks != 10 || task.ValuableChunks != 5 || task.TotalRequirements != 5 {
		t.Fatalf("counters = %d/%d/%d", task.TotalChunks, task.ValuableChunks, task.TotalRequirements)
	}

	valuable, _ := db.ListChunks(ctx, 1, sqlite.ChunkQuery{ValuableOnly: true})
	for i, c := range valuable {
		if c.ChunkIndex != 2*i+1 || c.FilterModel != "M-f" {
			t.Fatalf("valuable chunk %d = index %d model %q", i, c.ChunkIndex, c.FilterModel)
		}
	}

	calls := fake.CallsFor(string(prompts.RequirementExtractor))
	if len(calls) != 5 {
		t.Fatalf("extract calls = %d, want 5", len(calls))
	}
	for _, c := range calls {
		if c.Model != "M-e" {
			t.Fatalf("extract model = %q", c.Model)
		}
	}

	status, err := o.Status(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Logs) != 3 || status.CanResume || status.Active {
		t.Fatalf("status = %+v", status)
	}
	for _, l := range status.Logs {
		if l.Status != "completed" || l.CompletedAt == nil {
			t.Fatalf("log = %+v", l)
		}
	}
	if status.Statistics.Filter.Valuable != 5 || status.Statistics.Filter.Noise != 5 {
		t.Fatalf("filter stats = %+v", status.Statistics.Filter)
	}
}

func TestResumeAfterExtractionFailure(t *testing.T) {
	e := newExpert(t)
	e.failOn = map[int]bool{5: true, 7: true, 9: true}
	o, db := newTestOrchestrator(t, llmtest.New(e.respond), 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(10))

	_, err := o.Run(ctx, 1, StepParse, StepExtract)
	if !errors.Is(err, errs.ErrAPI) {
		t.Fatalf("expected api failure, got %v", err)
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusFailed || task.CompletedStep != 2 || !task.CanResume(db.Now()) {
		t.Fatalf("task after failure = %+v", task)
	}
	if !strings.Contains(task.LastError, "step 3 (extract)") {
		t.Fatalf("last error = %q", task.LastError)
	}
	if n, _ := db.CountRequirements(ctx, 1); n != 2 {
		t.Fatalf("requirements after failure = %d, want 2", n)
	}

	e.mu.Lock()
	e.failOn = map[int]bool{}
	e.mu.Unlock()
	if err := o.Continue(ctx, 1, StepExtract); err != nil {
		t.Fatalf("continue: %v", err)
	}
	o.Wait()

	task, _ = db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCompleted || task.TotalRequirements != 5 {
		t.Fatalf("task after resume = %+v", task)
	}
	for n, count := range e.extracts {
		if count != 1 {
			t.Fatalf("clause %d extracted %d times", n, count)
		}
	}
	if total, _, _ := db.CountChunks(ctx, 1); total != 10 {
		t.Fatalf("chunks duplicated: %d", total)
	}
}

func TestReleaseAfterWorkerLossResumesAtExtract(t *testing.T) {
	e := newExpert(t)
	o, db := newTestOrchestrator(t, llmtest.New(e.respond), 2)
	ctx := context.Background()
	start(t, o, 42, tenderDoc(10))

	if _, err := o.Run(ctx, 42, StepParse, StepFilter); err != nil {
		t.Fatalf("steps 1..2: %v", err)
	}
	// A worker took the lock and died without releasing it.
	if ok, err := db.TryAcquireProcessingTask(ctx, 42); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := o.Continue(ctx, 42, StepExtract); !errors.Is(err, errs.ErrState) {
		t.Fatalf("continue on running task: expected state error, got %v", err)
	}

	task, err := o.Release(ctx, 42)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if task.OverallStatus != models.StatusFailed || !task.CanResume(db.Now()) || task.CompletedStep != 2 {
		t.Fatalf("task after release = %+v", task)
	}
	if !strings.Contains(task.LastError, "released by operator") {
		t.Fatalf("last error = %q", task.LastError)
	}
	if _, err := o.Release(ctx, 42); !errors.Is(err, errs.ErrState) {
		t.Fatalf("second release: expected state error, got %v", err)
	}

	if err := o.Continue(ctx, 42, StepExtract); err != nil {
		t.Fatalf("continue: %v", err)
	}
	o.Wait()

	task, _ = db.GetProcessingTask(ctx, 42)
	if task.OverallStatus != models.StatusCompleted || task.TotalRequirements != 5 || task.ProgressPercentage != 100 {
		t.Fatalf("task after resume = %+v", task)
	}
	if n, _ := db.CountRequirements(ctx, 42); n != 5 {
		t.Fatalf("requirements = %d, want 5", n)
	}
	for n, count := range e.extracts {
		if count != 1 {
			t.Fatalf("clause %d extracted %d times", n, count)
		}
	}
}

func TestRestartKeepsCompletedProgressUntilRunStarts(t *testing.T) {
	e := newExpert(t)
	o, db := newTestOrchestrator(t, llmtest.New(e.respond), 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(4))
	if _, err := o.Run(ctx, 1, StepParse, StepExtract); err != nil {
		t.Fatalf("first run: %v", err)
	}

	start(t, o, 1, tenderDoc(4))
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCompleted || task.ProgressPercentage != 100 || task.CompletedStep != 3 {
		t.Fatalf("task between prepare and run = %+v", task)
	}

	if _, err := o.RunStep(ctx, 1, StepParse); err != nil {
		t.Fatalf("rerun parse: %v", err)
	}
	task, _ = db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusPending || task.CompletedStep != 1 || task.ProgressPercentage != 20 {
		t.Fatalf("task after parse rerun = %+v", task)
	}
}

func TestConcurrentRunIsRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e := newExpert(t)
	fake := llmtest.New(func(req llm.Request) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return e.respond(req)
	})
	o, db := newTestOrchestrator(t, fake, 1)
	ctx := context.Background()

	if _, err := o.Start(ctx, StartRequest{ProjectID: 1, Document: tenderDoc(4), FilterModel: "M-f", ExtractModel: "M-e"}); err != nil {
		t.Fatal(err)
	}
	<-entered

	if _, err := o.Run(ctx, 1, StepParse, StepExtract); !errors.Is(err, errs.ErrState) {
		t.Fatalf("second run: expected state error, got %v", err)
	}
	if _, err := o.Start(ctx, StartRequest{ProjectID: 1, Document: tenderDoc(4)}); !errors.Is(err, errs.ErrState) {
		t.Fatalf("second start: expected state error, got %v", err)
	}
	if status, _ := o.Status(ctx, 1); !status.Active {
		t.Fatal("run should be active")
	}
	if _, err := o.Release(ctx, 1); !errors.Is(err, errs.ErrState) {
		t.Fatalf("release of a live run: expected state error, got %v", err)
	}

	close(release)
	o.Wait()
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCompleted {
		t.Fatalf("status = %s", task.OverallStatus)
	}
}

func TestEmptyDocumentCompletes(t *testing.T) {
	fake := llmtest.New(func(llm.Request) (string, error) {
		t.Error("no model call expected")
		return "", nil
	})
	o, db := newTestOrchestrator(t, fake, 2)
	ctx := context.Background()
	start(t, o, 1, &document.Document{Name: "empty.txt"})

	results, err := o.Run(ctx, 1, StepParse, StepExtract)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 3 || results[0].Stats["total_chunks"] != 0 {
		t.Fatalf("results = %+v", results)
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCompleted || task.TotalRequirements != 0 {
		t.Fatalf("task = %+v", task)
	}
}

func TestAllNoiseCompletesWithoutExtraction(t *testing.T) {
	fake := llmtest.New(func(req llm.Request) (string, error) {
		if req.Purpose != string(prompts.ChunkFilter) {
			t.Errorf("unexpected purpose %q", req.Purpose)
		}
		return `{"is_valuable": false, "confidence": 0.95}`, nil
	})
	o, db := newTestOrchestrator(t, fake, 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(6))

	if _, err := o.Run(ctx, 1, StepParse, StepExtract); err != nil {
		t.Fatalf("run: %v", err)
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCompleted || task.ValuableChunks != 0 || task.TotalRequirements != 0 {
		t.Fatalf("task = %+v", task)
	}
}

func TestZeroRequirementsFromValuableChunksFails(t *testing.T) {
	fake := llmtest.New(func(req llm.Request) (string, error) {
		if req.Purpose == string(prompts.ChunkFilter) {
			return `{"is_valuable": true}`, nil
		}
		return `{"requirements": []}`, nil
	})
	o, db := newTestOrchestrator(t, fake, 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(3))

	if _, err := o.Run(ctx, 1, StepParse, StepExtract); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	pending, _ := db.ListChunks(ctx, 1, sqlite.ChunkQuery{PendingExtraction: true})
	if len(pending) != 3 {
		t.Fatalf("chunks reopened = %d, want 3", len(pending))
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusFailed || !task.CanResume(db.Now()) {
		t.Fatalf("task = %+v", task)
	}
}

func TestStepPrerequisites(t *testing.T) {
	o, db := newTestOrchestrator(t, llmtest.New(newExpert(t).respond), 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(4))

	if _, err := o.RunStep(ctx, 1, StepExtract); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusPending {
		t.Fatalf("rejected step must not touch the task: %s", task.OverallStatus)
	}

	res, err := o.RunStep(ctx, 1, StepParse)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Stats["total_chunks"] != 4 {
		t.Fatalf("parse stats = %+v", res.Stats)
	}
	task, _ = db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusPending || task.CompletedStep != 1 || task.ProgressPercentage != 20 {
		t.Fatalf("task after parse = %+v", task)
	}

	if err := o.Continue(ctx, 1, StepExtract); !errors.Is(err, errs.ErrState) {
		t.Fatalf("continue at 3 after parse: %v", err)
	}
	if err := o.Continue(ctx, 1, 4); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("continue at 4: %v", err)
	}
}

func TestFilterFailureRatioFailsStep(t *testing.T) {
	e := newExpert(t)
	e.failAll = string(prompts.ChunkFilter)
	o, db := newTestOrchestrator(t, llmtest.New(e.respond), 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(4))

	_, err := o.Run(ctx, 1, StepParse, StepExtract)
	if !errors.Is(err, errs.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusFailed || task.CompletedStep != 1 || !strings.Contains(task.LastError, "step 2 (filter)") {
		t.Fatalf("task = %+v", task)
	}
	logs, _ := db.ListProcessingLogs(ctx, 1)
	last := logs[len(logs)-1]
	if last.Status != "failed" || last.FailedItems != 4 || last.ErrorMessage == "" {
		t.Fatalf("log = %+v", last)
	}
}

func TestParseRejectsDifferentDocument(t *testing.T) {
	o, _ := newTestOrchestrator(t, llmtest.New(newExpert(t).respond), 2)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(4))
	if _, err := o.RunStep(ctx, 1, StepParse); err != nil {
		t.Fatal(err)
	}

	start(t, o, 1, tenderDoc(5))
	if _, err := o.RunStep(ctx, 1, StepParse); !errors.Is(err, errs.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestCancelStopsRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e := newExpert(t)
	fake := llmtest.New(func(req llm.Request) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return e.respond(req)
	})
	o, db := newTestOrchestrator(t, fake, 1)
	ctx := context.Background()
	start(t, o, 1, tenderDoc(6))

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(ctx, 1, StepParse, StepExtract)
		done <- err
	}()
	<-entered

	ok, err := o.Cancel(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	close(release)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run err = %v", err)
	}

	task, _ := db.GetProcessingTask(ctx, 1)
	if task.OverallStatus != models.StatusCancelled || task.CanResume(db.Now()) {
		t.Fatalf("task = %+v", task)
	}
	if len(fake.CallsFor(string(prompts.ChunkFilter))) != 1 {
		t.Fatalf("filter kept running after cancel: %d calls", len(fake.CallsFor(string(prompts.ChunkFilter))))
	}
}
