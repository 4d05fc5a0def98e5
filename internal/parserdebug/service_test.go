package parserdebug

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/internal/structure"
	"github.com/tenderflow/backend/pkg/errs"
)

const tenderText = `第一章 招标公告
本项目为公开招标项目。
第二章 投标人须知
投标人应当具备独立法人资格。
第三章 评标办法
采用综合评分法。
`

func newTestService(t *testing.T) (*Service, *sqlite.Client) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(filepath.Join(dir, "tender.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ensemble := structure.NewEnsemble(5*time.Second,
		structure.OutlineStrategy{},
		structure.TocExactStrategy{},
		structure.SemanticAnchorStrategy{},
	)
	return NewService(db, ensemble, dir), db
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamPersistsEveryStrategy(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	doc, err := s.Upload(ctx, "tender.txt", []byte(tenderText))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	ch, err := s.Stream(ctx, doc.DocumentID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	events := drain(t, ch)
	if len(events) != 4 {
		t.Fatalf("events = %d, want 3 strategies + terminal", len(events))
	}
	last := events[len(events)-1]
	if last.Stage != StageCompleted || last.Progress != 100 {
		t.Fatalf("terminal event = %+v", last)
	}
	for _, ev := range events[:3] {
		if ev.Stage != StageStrategy {
			t.Fatalf("strategy event = %+v", ev)
		}
	}

	results, err := s.Results(ctx, doc.DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("stored results = %d", len(results))
	}
	for _, r := range results {
		switch r.Method {
		case structure.MethodOutline:
			if !r.Success || r.ChapterCount != 3 {
				t.Fatalf("outline result = %+v", r)
			}
		default:
			if r.Success {
				t.Fatalf("%s should not succeed: %+v", r.Method, r)
			}
		}
	}
}

func TestGroundTruthScoresAndPicksBest(t *testing.T) {
	s, db := newTestService(t)
	ctx := context.Background()
	doc, _ := s.Upload(ctx, "tender.txt", []byte(tenderText))
	ch, _ := s.Stream(ctx, doc.DocumentID)
	drain(t, ch)

	cmp, err := s.SubmitGroundTruth(ctx, doc.DocumentID, GroundTruthInput{
		Chapters:  []string{"第一章 招标公告", "第二章 投标人须知", "第三章 评标办法", "第四章 合同条款"},
		Annotator: "alice",
	})
	if err != nil {
		t.Fatalf("ground truth: %v", err)
	}
	if cmp.BestMethod != structure.MethodOutline {
		t.Fatalf("best = %q", cmp.BestMethod)
	}
	if len(cmp.Scores) != 1 || cmp.Scores[0].Precision != 1 || cmp.Scores[0].Recall != 0.75 || cmp.Scores[0].F1 != 0.857 {
		t.Fatalf("scores = %+v", cmp.Scores)
	}
	if len(cmp.Ensemble) != 3 {
		t.Fatalf("ensemble = %v", cmp.Ensemble)
	}

	gt, err := db.GetGroundTruth(ctx, doc.DocumentID)
	if err != nil || gt.BestMethod != structure.MethodOutline || gt.Annotator != "alice" {
		t.Fatalf("stored ground truth = %+v err=%v", gt, err)
	}
	results, _ := db.ListParserResults(ctx, doc.DocumentID)
	for _, r := range results {
		if r.Method == structure.MethodOutline && (r.F1 == nil || *r.F1 != 0.857) {
			t.Fatalf("stored f1 = %v", r.F1)
		}
	}
}

func TestGroundTruthValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	doc, _ := s.Upload(ctx, "tender.txt", []byte(tenderText))

	if _, err := s.SubmitGroundTruth(ctx, doc.DocumentID, GroundTruthInput{Chapters: []string{" "}}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("empty chapters: %v", err)
	}
	if _, err := s.SubmitGroundTruth(ctx, doc.DocumentID, GroundTruthInput{Chapters: []string{"第一章"}}); !errors.Is(err, errs.ErrState) {
		t.Fatalf("before parsing: %v", err)
	}
	if _, err := s.SubmitGroundTruth(ctx, "missing", GroundTruthInput{Chapters: []string{"第一章"}}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown document: %v", err)
	}
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Upload(context.Background(), "tender.pdf", []byte("%PDF")); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := s.Upload(context.Background(), "tender.txt", nil); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error for empty file, got %v", err)
	}
}
