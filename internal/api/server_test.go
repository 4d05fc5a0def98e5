package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tenderflow/backend/internal/api/handlers"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/llm/llmtest"
	"github.com/tenderflow/backend/internal/parserdebug"
	"github.com/tenderflow/backend/internal/pipeline"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/internal/structure"
	"github.com/tenderflow/backend/internal/tasks"
	"github.com/tenderflow/backend/pkg/config"
)

const tenderText = `第一章 招标公告
本项目为公开招标项目，预算金额为人民币一百万元整。
第二章 投标人须知
★投标人须具有ISO 9001认证。
投标保证金为人民币5万元，须在截止时间前到账。
`

const riskText = `投标人须知
★投标人须具有ISO 9001认证。
投标保证金为人民币5万元，须在截止时间前到账。
`

func respond(req llm.Request) (string, error) {
	switch prompts.Type(req.Purpose) {
	case prompts.ChunkFilter:
		return fmt.Sprintf(`{"is_valuable": %t, "confidence": 0.9}`, strings.Contains(req.Prompt, "投标")), nil
	case prompts.RequirementExtractor:
		return `{"requirements":[{"constraint_type":"mandatory","category":"资质","detail":"投标人须具有ISO 9001认证","priority":"high","confidence":0.9}]}`, nil
	case prompts.TocNavigator:
		return `{"has_toc": false}`, nil
	case prompts.BidEvaluator:
		return `[{"requirement": "投标人须具有ISO 9001认证", "original_text": "★投标人须具有ISO 9001认证。", "risk_level": "high", "risk_type": "qualification"}]`, nil
	case prompts.TodoGenerator:
		return `{"todos": [{"index": 0, "action": "准备认证证书", "assignee_type": "commerce", "priority": "P0"}]}`, nil
	}
	return "", fmt.Errorf("unexpected purpose %s", req.Purpose)
}

type fixture struct {
	app    *fiber.App
	db     *sqlite.Client
	orch   *pipeline.Orchestrator
	runner *tasks.RiskRunner
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "tender.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := llmtest.New(respond)
	pm := prompts.NewManager("")
	orch := pipeline.New(db, fake, pm, pipeline.Options{Concurrency: 2, HeartbeatInterval: 10 * time.Millisecond})
	analyzer := risk.NewAnalyzer(fake, pm, risk.DefaultKeywords(), risk.Options{Concurrency: 2})
	runner := tasks.NewRiskRunner(tasks.NewManager(db, config.TasksConfig{}), db, analyzer, nil, filepath.Join(dir, "exports"))
	ensemble := structure.NewEnsemble(5*time.Second, structure.OutlineStrategy{}, structure.TocExactStrategy{})

	app, limiter := NewApp(Options{
		Server: config.ServerConfig{
			BodyLimit:       10 * 1024 * 1024,
			UploadDir:       filepath.Join(dir, "uploads"),
			RateLimitPerMin: 10000,
			Development:     true,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}, handlers.Deps{
		DB:           db,
		Orchestrator: orch,
		Risk:         runner,
		ParserDebug:  parserdebug.NewService(db, ensemble, filepath.Join(dir, "uploads")),
	})
	t.Cleanup(limiter.Stop)
	return &fixture{app: app, db: db, orch: orch, runner: runner, dir: dir}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][2]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	for field, f := range files {
		part, err := w.CreateFormFile(field, f[0])
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f[1]))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func (f *fixture) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := f.app.Test(req, 10000)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func (f *fixture) getJSON(t *testing.T, path string, into any) int {
	t.Helper()
	code, body := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil && code == http.StatusOK {
		if err := json.Unmarshal(body, into); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, body)
		}
	}
	return code
}

func postJSON(path string, v any) *http.Request {
	b, _ := json.Marshal(v)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestProcessingEndToEnd(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t,
		map[string]string{"project_id": "7", "filter_model": "M-f", "extract_model": "M-e"},
		map[string][2]string{"file": {"tender.txt", tenderText}},
	)
	req := httptest.NewRequest(http.MethodPost, "/tender-processing/start", body)
	req.Header.Set("Content-Type", ct)

	code, resp := f.do(t, req)
	if code != http.StatusAccepted || !strings.Contains(string(resp), `"task_id":"processing-7"`) {
		t.Fatalf("start = %d %s", code, resp)
	}
	f.orch.Wait()

	var status struct {
		Task struct {
			OverallStatus     string `json:"overall_status"`
			ProgressPercent   int    `json:"progress_percentage"`
			TotalRequirements int    `json:"total_requirements"`
		} `json:"task"`
		Logs []json.RawMessage `json:"logs"`
	}
	if code := f.getJSON(t, "/tender-processing/status/7", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Task.OverallStatus != "completed" || status.Task.ProgressPercent != 100 || len(status.Logs) != 3 {
		t.Fatalf("status = %+v", status)
	}

	var reqs struct {
		Total   int               `json:"total"`
		Summary []json.RawMessage `json:"summary"`
	}
	f.getJSON(t, "/tender-processing/requirements/7?constraint_type=mandatory", &reqs)
	if reqs.Total == 0 || reqs.Total != status.Task.TotalRequirements || len(reqs.Summary) == 0 {
		t.Fatalf("requirements = %+v, task total %d", reqs, status.Task.TotalRequirements)
	}

	var chunks struct {
		Total int `json:"total"`
	}
	f.getJSON(t, "/tender-processing/chunks/7?valuable_only=true", &chunks)
	if chunks.Total == 0 {
		t.Fatal("no valuable chunks listed")
	}

	code, resp = f.do(t, postJSON("/tender-processing/continue/7", map[string]int{"step": 3}))
	if code != http.StatusPreconditionFailed {
		t.Fatalf("continue on completed task = %d %s", code, resp)
	}
	code, resp = f.do(t, httptest.NewRequest(http.MethodPost, "/tender-processing/release/7", nil))
	if code != http.StatusPreconditionFailed {
		t.Fatalf("release of completed task = %d %s", code, resp)
	}

	code, _ = f.do(t, httptest.NewRequest(http.MethodDelete, "/projects/7", nil))
	if code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code := f.getJSON(t, "/tender-processing/status/7", nil); code != http.StatusNotFound {
		t.Fatalf("status after delete = %d", code)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	body, ct := multipartBody(t, map[string]string{"project_id": "1"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/tender-processing/start", body)
	req.Header.Set("Content-Type", ct)
	if code, _ := f.do(t, req); code != http.StatusBadRequest {
		t.Fatalf("start without file = %d", code)
	}

	body, ct = multipartBody(t, map[string]string{"project_id": "1"}, map[string][2]string{"file": {"tender.exe", "MZ"}})
	req = httptest.NewRequest(http.MethodPost, "/tender-processing/start", body)
	req.Header.Set("Content-Type", ct)
	if code, _ := f.do(t, req); code != http.StatusBadRequest {
		t.Fatalf("disallowed extension = %d", code)
	}

	if code := f.getJSON(t, "/tender-processing/status/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("bad project id = %d", code)
	}
	if code := f.getJSON(t, "/tender-processing/status/404", nil); code != http.StatusNotFound {
		t.Fatalf("unknown project = %d", code)
	}

	req = httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "text/plain")
	if code, _ := f.do(t, req); code != http.StatusUnsupportedMediaType {
		t.Fatalf("text body = %d", code)
	}

	if code, _ := f.do(t, postJSON("/projects", map[string]string{"project_name": "<script>alert(1)</script>"})); code != http.StatusBadRequest {
		t.Fatalf("script in name = %d", code)
	}
	if code, _ := f.do(t, postJSON("/risk/analyze", map[string]string{"file_path": "../../etc/passwd.txt"})); code != http.StatusBadRequest {
		t.Fatalf("traversal path = %d", code)
	}
	if code, _ := f.do(t, postJSON("/risk/analyze", map[string]string{"file_path": "tender.txt", "mode": "everything"})); code != http.StatusBadRequest {
		t.Fatalf("bad mode = %d", code)
	}
}

func TestRiskAnalyzeExportAndStream(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "tender.txt")
	if err := os.WriteFile(path, []byte(riskText), 0o644); err != nil {
		t.Fatal(err)
	}

	code, resp := f.do(t, postJSON("/risk/analyze", map[string]string{"file_path": path, "model_name": "M"}))
	if code != http.StatusAccepted {
		t.Fatalf("analyze = %d %s", code, resp)
	}
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	json.Unmarshal(resp, &submitted)
	f.runner.Wait()

	var status tasks.RiskStatus
	if code := f.getJSON(t, "/risk/task/"+submitted.TaskID, &status); code != http.StatusOK {
		t.Fatalf("task = %d", code)
	}
	if status.Task.OverallStatus != "completed" || len(status.Items) != 1 {
		t.Fatalf("status = %+v", status)
	}

	req := httptest.NewRequest(http.MethodGet, "/risk/export/"+submitted.TaskID, nil)
	resp2, err := f.app.Test(req, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK || !strings.Contains(resp2.Header.Get("Content-Disposition"), ".xlsx") {
		t.Fatalf("export = %d %v", resp2.StatusCode, resp2.Header)
	}

	code, stream := f.do(t, httptest.NewRequest(http.MethodGet, "/risk/stream/"+submitted.TaskID, nil))
	if code != http.StatusOK || !strings.HasPrefix(string(stream), "data: ") || !strings.Contains(string(stream), `"stage":"completed"`) {
		t.Fatalf("stream = %d %q", code, stream)
	}

	if code := f.getJSON(t, "/risk/task/unknown", nil); code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", code)
	}
	if code, _ := f.do(t, httptest.NewRequest(http.MethodPost, "/risk/resume/"+submitted.TaskID, nil)); code != http.StatusPreconditionFailed {
		t.Fatalf("resume completed task = %d", code)
	}
}

func TestParserDebugFlow(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, nil, map[string][2]string{"file": {"tender.txt", tenderText}})
	req := httptest.NewRequest(http.MethodPost, "/parser-debug/upload", body)
	req.Header.Set("Content-Type", ct)
	code, resp := f.do(t, req)
	if code != http.StatusCreated {
		t.Fatalf("upload = %d %s", code, resp)
	}
	var uploaded struct {
		DocumentID string `json:"document_id"`
	}
	json.Unmarshal(resp, &uploaded)

	code, stream := f.do(t, httptest.NewRequest(http.MethodGet, "/parser-debug/parse-stream/"+uploaded.DocumentID, nil))
	if code != http.StatusOK {
		t.Fatalf("parse stream = %d", code)
	}
	frames := strings.Count(string(stream), "data: ")
	if frames != 3 || !strings.Contains(string(stream), `"stage":"completed"`) {
		t.Fatalf("stream frames = %d: %s", frames, stream)
	}

	code, resp = f.do(t, postJSON("/parser-debug/"+uploaded.DocumentID+"/ground-truth", map[string]any{
		"chapters":  []string{"第一章 招标公告", "第二章 投标人须知"},
		"annotator": "alice",
	}))
	if code != http.StatusOK || !strings.Contains(string(resp), `"best_method":"outline_level"`) {
		t.Fatalf("ground truth = %d %s", code, resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if code != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics = %d", code)
	}
	if code := f.getJSON(t, "/health", nil); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
}
