package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/llm/llmtest"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/errs"
)

const tenderText = `投标人须知
★投标人须具有ISO 9001认证。
投标保证金为人民币5万元，须在截止时间前到账。
`

const qualificationQuote = "★投标人须具有ISO 9001认证。"

func experts(evaluatorFails bool) func(llm.Request) (string, error) {
	return func(req llm.Request) (string, error) {
		switch prompts.Type(req.Purpose) {
		case prompts.TocNavigator:
			return `{"has_toc": false}`, nil
		case prompts.BidEvaluator:
			if evaluatorFails {
				return "", errs.API("evaluate", errors.New("upstream 503"))
			}
			return fmt.Sprintf(`[{"requirement": "投标人须具有ISO 9001认证", "original_text": %q, "risk_level": "high", "risk_type": "qualification"}]`, qualificationQuote), nil
		case prompts.TodoGenerator:
			return `{"todos": [{"index": 0, "action": "准备认证证书", "assignee_type": "commerce", "priority": "P0"}]}`, nil
		}
		return "", fmt.Errorf("unexpected purpose %s", req.Purpose)
	}
}

type runnerFixture struct {
	runner  *RiskRunner
	manager *Manager
	llm     *llmtest.Scripted
	tender  string
}

func newRunnerFixture(t *testing.T, evaluatorFails bool) *runnerFixture {
	t.Helper()
	db := newTestDB(t)
	dir := t.TempDir()
	tender := filepath.Join(dir, "tender.txt")
	if err := os.WriteFile(tender, []byte(tenderText), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := llmtest.New(experts(evaluatorFails))
	analyzer := risk.NewAnalyzer(fake, prompts.NewManager(""), risk.DefaultKeywords(), risk.Options{Concurrency: 2})
	manager := NewManager(db, config.TasksConfig{})
	return &runnerFixture{
		runner:  NewRiskRunner(manager, db, analyzer, NewHub(nil), filepath.Join(dir, "exports")),
		manager: manager,
		llm:     fake,
		tender:  tender,
	}
}

func TestRiskRunnerCompletesAndExports(t *testing.T) {
	f := newRunnerFixture(t, false)
	ctx := context.Background()

	id, err := f.runner.Submit(ctx, RiskRequest{FilePath: f.tender, ModelName: "M"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.runner.Wait()

	st, err := f.runner.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.Task.OverallStatus != models.StatusCompleted || st.Task.Progress != 100 || st.CanResume || st.Abnormal {
		t.Fatalf("task = %+v", st.Task)
	}
	if len(st.Items) != 1 || st.Items[0].OriginalText != qualificationQuote || st.Items[0].Todo == nil {
		t.Fatalf("items = %+v", st.Items)
	}

	for _, phase := range []string{PhaseParseDocument, PhaseAnalyze, PhaseExport} {
		if rec := st.Task.Phases[phase]; rec.Status != PhaseCompleted {
			t.Errorf("phase %s = %+v", phase, rec)
		}
	}
	files := st.Task.Phases[PhaseExport].GeneratedFiles
	if len(files) != 1 {
		t.Fatalf("export files = %+v", files)
	}
	if _, err := os.Stat(files[0].Path); err != nil {
		t.Fatalf("report missing: %v", err)
	}
	if !strings.Contains(string(st.Task.Result), `"risk_score":15`) {
		t.Errorf("result = %s", st.Task.Result)
	}

	logs, _ := f.manager.ExecutionLogs(ctx, id)
	seen := map[string]bool{}
	for _, l := range logs {
		seen[l.PhaseName] = true
		if l.AgentName != "risk_analyzer" {
			t.Errorf("agent name = %q", l.AgentName)
		}
	}
	for _, want := range []string{"create_task", "acquire_lock", "release_lock", "save_state", PhaseAnalyze, PhaseExport} {
		if !seen[want] {
			t.Errorf("no audit row for %s", want)
		}
	}
}

func TestRiskRunnerRejectsConcurrentRun(t *testing.T) {
	f := newRunnerFixture(t, false)
	ctx := context.Background()
	id, err := f.manager.CreateTask(ctx, CreateInput{TaskType: TaskTypeRisk, Input: RiskRequest{FilePath: f.tender, Mode: risk.ModeBidOnly}.input()})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := f.manager.TryAcquireTaskLock(ctx, id); !ok {
		t.Fatal("first acquire failed")
	}

	err = f.runner.Run(ctx, id)
	if !errors.Is(err, errs.ErrState) {
		t.Fatalf("second runner: %v", err)
	}
	if n := len(f.llm.Calls()); n != 0 {
		t.Fatalf("second runner executed %d LLM calls", n)
	}
}

func TestRiskRunnerResumesFailedTask(t *testing.T) {
	f := newRunnerFixture(t, true)
	ctx := context.Background()

	id, err := f.runner.Submit(ctx, RiskRequest{FilePath: f.tender})
	if err != nil {
		t.Fatal(err)
	}
	f.runner.Wait()

	st, _ := f.runner.Status(ctx, id)
	if st.Task.OverallStatus != models.StatusFailed || !st.CanResume || st.Task.LastError == "" {
		t.Fatalf("failed task = %+v", st.Task)
	}
	if rec := st.Task.Phases[PhaseAnalyze]; rec.Status != PhaseFailed || rec.Error == "" {
		t.Fatalf("analyze phase = %+v", rec)
	}

	f.llm.Respond = experts(false)
	if err := f.runner.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.runner.Wait()

	st, _ = f.runner.Status(ctx, id)
	if st.Task.OverallStatus != models.StatusCompleted || len(st.Items) != 1 {
		t.Fatalf("resumed task = %+v items=%d", st.Task, len(st.Items))
	}
	if err := f.runner.Resume(ctx, id); !errors.Is(err, errs.ErrState) {
		t.Fatalf("resuming a completed task: %v", err)
	}
}

func TestReportFileRegeneratesFromSavedAnalysis(t *testing.T) {
	f := newRunnerFixture(t, false)
	ctx := context.Background()
	id, err := f.runner.Submit(ctx, RiskRequest{FilePath: f.tender})
	if err != nil {
		t.Fatal(err)
	}
	f.runner.Wait()
	calls := len(f.llm.Calls())

	path, err := f.runner.ReportFile(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	again, err := f.runner.ReportFile(ctx, id)
	if err != nil || again != path {
		t.Fatalf("ReportFile = %q err=%v", again, err)
	}
	if _, err := os.Stat(again); err != nil {
		t.Fatalf("report not regenerated: %v", err)
	}
	if len(f.llm.Calls()) != calls {
		t.Fatal("regenerating the report must not call the model")
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newRunnerFixture(t, false)
	cases := []RiskRequest{
		{},
		{FilePath: filepath.Join(t.TempDir(), "missing.txt")},
		{FilePath: f.tender, Mode: "v1"},
		{FilePath: f.tender, Mode: risk.ModeReconcile},
		{FilePath: "tender.pdf"},
	}
	for _, req := range cases {
		if _, err := f.runner.Submit(context.Background(), req); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("Submit(%+v) = %v, want validation error", req, err)
		}
	}
}

func TestCancelledTaskDoesNotRun(t *testing.T) {
	f := newRunnerFixture(t, false)
	ctx := context.Background()
	id, _ := f.manager.CreateTask(ctx, CreateInput{TaskType: TaskTypeRisk, Input: RiskRequest{FilePath: f.tender, Mode: risk.ModeBidOnly}.input()})

	if ok, err := f.runner.Cancel(ctx, id); err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}
	if err := f.runner.Run(ctx, id); !errors.Is(err, errs.ErrState) {
		t.Fatalf("Run after cancel: %v", err)
	}
	if err := f.runner.Resume(ctx, id); !errors.Is(err, errs.ErrState) {
		t.Fatalf("Resume after cancel: %v", err)
	}
}
