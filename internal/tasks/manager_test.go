package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/errs"
)

func newTestDB(t *testing.T) *sqlite.Client {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tender.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T) (*Manager, *sqlite.Client) {
	t.Helper()
	db := newTestDB(t)
	return NewManager(db, config.TasksConfig{}), db
}

func createTask(t *testing.T, m *Manager) string {
	t.Helper()
	id, err := m.CreateTask(context.Background(), CreateInput{TaskType: TaskTypeRisk, Input: map[string]any{"file_path": "x.txt"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func phases(logs []models.AgentExecutionLog) []string {
	var out []string
	for _, l := range logs {
		out = append(out, l.PhaseName)
	}
	return out
}

func TestCreateTaskDefaults(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)

	task, err := m.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.OverallStatus != models.StatusPending || !task.Resumable {
		t.Fatalf("status=%s resumable=%v", task.OverallStatus, task.Resumable)
	}
	window := task.ExpiresAt.Sub(db.Now())
	if window < 23*time.Hour || window > 24*time.Hour {
		t.Fatalf("expiry window = %v, want ~24h", window)
	}
	if task.Input["file_path"] != "x.txt" {
		t.Fatalf("input = %v", task.Input)
	}

	logs, _ := m.ExecutionLogs(ctx, id)
	if len(logs) != 1 || logs[0].PhaseName != "create_task" || logs[0].Status != auditSuccess || logs[0].AttemptNumber != 1 {
		t.Fatalf("audit = %+v", logs)
	}
}

func TestTryAcquireTaskLockSingleWinner(t *testing.T) {
	m, _ := newTestManager(t)
	id := createTask(t, m)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryAcquireTaskLock(context.Background(), id)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}

	task, _ := m.GetTask(context.Background(), id)
	if task.OverallStatus != models.StatusRunning || task.StartedAt == nil || task.LastHeartbeat == nil {
		t.Fatalf("lock not stamped: %+v", task)
	}
}

func TestCanResumeRules(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	check := func(id string, want bool) {
		t.Helper()
		got, err := m.CanResume(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			task, _ := m.GetTask(ctx, id)
			t.Fatalf("CanResume = %v, want %v (status=%s resumable=%v)", got, want, task.OverallStatus, task.Resumable)
		}
	}

	pending := createTask(t, m)
	check(pending, true)

	m.TryAcquireTaskLock(ctx, pending)
	check(pending, false)

	m.ReleaseTaskLock(ctx, pending, models.StatusFailed, "upstream 503", true)
	check(pending, true)

	fatal := createTask(t, m)
	m.TryAcquireTaskLock(ctx, fatal)
	m.ReleaseTaskLock(ctx, fatal, models.StatusFailed, "no api key", false)
	check(fatal, false)

	cancelled := createTask(t, m)
	if ok, err := m.CancelTask(ctx, cancelled); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	check(cancelled, false)

	done := createTask(t, m)
	m.TryAcquireTaskLock(ctx, done)
	m.ReleaseTaskLock(ctx, done, models.StatusCompleted, "", false)
	check(done, false)

	db.SetClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	check(pending, false)
}

func TestReleaseRecordsError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)
	m.TryAcquireTaskLock(ctx, id)

	ok, err := m.ReleaseTaskLock(ctx, id, models.StatusFailed, "bid evaluator timed out", true)
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	task, _ := m.GetTask(ctx, id)
	if task.LastError != "bid evaluator timed out" || task.LastErrorTime == nil || task.LastHeartbeat != nil {
		t.Fatalf("failure not recorded: %+v", task)
	}

	logs, _ := m.ExecutionLogs(ctx, id)
	last := logs[len(logs)-1]
	if last.PhaseName != "release_lock" || last.Status != auditFailed || last.ErrorMessage != "bid evaluator timed out" {
		t.Fatalf("release audit = %+v", last)
	}

	if ok, _ := m.ReleaseTaskLock(ctx, id, models.StatusCompleted, "", false); ok {
		t.Fatal("releasing a task that is not running must report false")
	}
}

func TestIsTaskAbnormal(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)

	if abnormal, _ := m.IsTaskAbnormal(ctx, id); abnormal {
		t.Fatal("pending task is never abnormal")
	}
	m.TryAcquireTaskLock(ctx, id)
	if abnormal, _ := m.IsTaskAbnormal(ctx, id); abnormal {
		t.Fatal("fresh heartbeat reported abnormal")
	}

	later := time.Now().Add(6 * time.Minute)
	db.SetClock(func() time.Time { return later })
	if abnormal, _ := m.IsTaskAbnormal(ctx, id); !abnormal {
		t.Fatal("stale heartbeat not reported")
	}

	if ok, err := m.UpdateHeartbeat(ctx, id); err != nil || !ok {
		t.Fatalf("heartbeat: ok=%v err=%v", ok, err)
	}
	if abnormal, _ := m.IsTaskAbnormal(ctx, id); abnormal {
		t.Fatal("heartbeat did not clear abnormal state")
	}
}

func TestPhaseCompletedTracksArtifacts(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)

	artifact := filepath.Join(t.TempDir(), "report.xlsx")
	if err := os.WriteFile(artifact, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	if done, _ := m.PhaseCompleted(ctx, id, PhaseExport); done {
		t.Fatal("unrecorded phase reported complete")
	}
	err := m.UpdatePhase(ctx, id, PhaseExport, PhaseUpdate{Status: PhaseCompleted, GeneratedFiles: []string{artifact}})
	if err != nil {
		t.Fatalf("update phase: %v", err)
	}

	task, _ := m.GetTask(ctx, id)
	rec := task.Phases[PhaseExport]
	if len(rec.GeneratedFiles) != 1 || rec.GeneratedFiles[0].Digest == "" || task.CurrentPhase != PhaseExport {
		t.Fatalf("phase record = %+v", rec)
	}
	if done, _ := m.PhaseCompleted(ctx, id, PhaseExport); !done {
		t.Fatal("intact artifact should mark the phase complete")
	}

	os.WriteFile(artifact, []byte("v2"), 0o644)
	if done, _ := m.PhaseCompleted(ctx, id, PhaseExport); done {
		t.Fatal("modified artifact must force a rerun")
	}

	os.Remove(artifact)
	if done, _ := m.PhaseCompleted(ctx, id, PhaseExport); done {
		t.Fatal("missing artifact must force a rerun")
	}

	err = m.UpdatePhase(ctx, id, PhaseExport, PhaseUpdate{Status: PhaseCompleted, GeneratedFiles: []string{artifact}})
	if !errors.Is(err, errs.ErrState) {
		t.Fatalf("recording a missing artifact: %v", err)
	}
}

func TestPhaseAttemptsAreCounted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)

	m.UpdatePhase(ctx, id, PhaseAnalyze, PhaseUpdate{Status: PhaseFailed, Error: "every chunk failed evaluation"})
	m.UpdatePhase(ctx, id, PhaseAnalyze, PhaseUpdate{Status: PhaseCompleted, Result: map[string]any{"items": 3}})

	logs, _ := m.ExecutionLogs(ctx, id)
	var analyze []models.AgentExecutionLog
	for _, l := range logs {
		if l.PhaseName == PhaseAnalyze {
			analyze = append(analyze, l)
		}
	}
	if len(analyze) != 2 {
		t.Fatalf("analyze logs = %v", phases(logs))
	}
	if analyze[0].AttemptNumber != 1 || analyze[0].Status != auditFailed || analyze[0].ErrorMessage == "" {
		t.Errorf("first attempt = %+v", analyze[0])
	}
	if analyze[1].AttemptNumber != 2 || analyze[1].Status != auditSuccess || analyze[1].OutputSummary != `{"items":3}` {
		t.Errorf("second attempt = %+v", analyze[1])
	}
}

func TestSaveAndLoadState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	id := createTask(t, m)

	var empty map[string]int
	if found, err := m.LoadState(ctx, id, &empty); err != nil || found {
		t.Fatalf("fresh task state: found=%v err=%v", found, err)
	}

	if err := m.SaveState(ctx, id, map[string]int{"next_chunk": 7}); err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	found, err := m.LoadState(ctx, id, &got)
	if err != nil || !found || got["next_chunk"] != 7 {
		t.Fatalf("state = %v found=%v err=%v", got, found, err)
	}

	if err := m.SaveState(ctx, "missing", 1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("save on missing task: %v", err)
	}
}

func TestCleanupExpiredTasks(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	old := createTask(t, m)

	db.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	fresh := createTask(t, m)

	n, err := m.CleanupExpiredTasks(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("deleted = %d err=%v, want 1", n, err)
	}
	if _, err := m.GetTask(ctx, old); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("old task still present: %v", err)
	}
	if _, err := m.GetTask(ctx, fresh); err != nil {
		t.Fatalf("fresh task removed: %v", err)
	}
	if logs, _ := m.ExecutionLogs(ctx, old); len(logs) != 0 {
		t.Fatalf("logs of deleted task kept: %d", len(logs))
	}
	if logs, _ := m.ExecutionLogs(ctx, systemTaskID); len(logs) != 1 || logs[0].OutputSummary != "deleted=1" {
		t.Fatalf("cleanup audit = %+v", logs)
	}
}

func TestStartHeartbeat(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, config.TasksConfig{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()
	id := createTask(t, m)
	m.TryAcquireTaskLock(ctx, id)

	stop := m.StartHeartbeat(ctx, id)
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, _ := m.ExecutionLogs(ctx, id)
		beats := 0
		for _, l := range logs {
			if l.PhaseName == "heartbeat" {
				beats++
			}
		}
		if beats >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeats = %d after 2s", beats)
		}
		time.Sleep(10 * time.Millisecond)
	}
	stop()
}
