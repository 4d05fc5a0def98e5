// Package parserdebug is the comparison harness for the structure strategies: upload a document,
// stream every strategy's chapter tree, then score them against an annotated ground truth.
package parserdebug

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/evaluation"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/internal/structure"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

const (
	StageStrategy  = "strategy"
	StageCompleted = "completed"
	StageError     = "error"
)

type Event struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
}

type Service struct {
	db        *sqlite.Client
	ensemble  *structure.Ensemble
	uploadDir string
}

func NewService(db *sqlite.Client, ensemble *structure.Ensemble, uploadDir string) *Service {
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	return &Service{db: db, ensemble: ensemble, uploadDir: filepath.Join(uploadDir, "parser-debug")}
}

// Upload stores the file under a fresh document id.
func (s *Service) Upload(ctx context.Context, filename string, data []byte) (*models.ParserDocument, error) {
	const op = "upload parser document"
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." {
		return nil, errs.Validation(op, "filename is required")
	}
	if len(data) == 0 {
		return nil, errs.Validation(op, "file %s is empty", filename)
	}
	if _, err := document.ParserFor(filename); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	id := uuid.NewString()
	path := filepath.Join(s.uploadDir, id+strings.ToLower(filepath.Ext(filename)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	doc := &models.ParserDocument{DocumentID: id, Filename: filename, FilePath: path, FileSize: int64(len(data))}
	if err := s.db.InsertParserDocument(ctx, doc); err != nil {
		os.Remove(path)
		return nil, err
	}
	logger.Info("Parser debug document uploaded",
		zap.String("document_id", id),
		zap.String("filename", filename),
		zap.Int("size", len(data)),
	)
	return doc, nil
}

// Stream runs every strategy and emits one event per finished strategy, then a terminal event.
// Each result is persisted before its event is sent. The channel is closed after the terminal event.
func (s *Service) Stream(ctx context.Context, documentID string) (<-chan Event, error) {
	doc, err := s.db.GetParserDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return nil, errs.DocumentParse("read parser document", err)
	}

	in := &structure.Input{Name: doc.Filename, Data: data}
	total := len(s.ensemble.Methods())
	out := make(chan Event, total+1)

	go func() {
		defer close(out)
		done := 0
		succeeded := 0
		for res := range s.ensemble.Stream(ctx, in) {
			done++
			if res.Success {
				succeeded++
			}
			if err := s.persist(context.WithoutCancel(ctx), documentID, res); err != nil {
				logger.Warn("Failed to persist parser result",
					zap.String("document_id", documentID),
					zap.String("method", res.Method),
					zap.Error(err),
				)
			}

			msg := fmt.Sprintf("%s: %d chapters", res.Method, res.Statistics.TotalChapters)
			if !res.Success {
				msg = fmt.Sprintf("%s: %s", res.Method, res.Error)
			}
			out <- Event{Stage: StageStrategy, Progress: done * 100 / total, Message: msg, Data: res}
		}

		if ctx.Err() != nil {
			out <- Event{Stage: StageError, Progress: done * 100 / total, Message: ctx.Err().Error()}
			return
		}
		out <- Event{
			Stage:    StageCompleted,
			Progress: 100,
			Message:  fmt.Sprintf("%d of %d strategies succeeded", succeeded, total),
			Data:     map[string]any{"document_id": documentID, "methods": s.ensemble.Methods()},
		}
	}()
	return out, nil
}

func (s *Service) persist(ctx context.Context, documentID string, res structure.Result) error {
	chapters, err := json.Marshal(res.Chapters)
	if err != nil {
		return fmt.Errorf("failed to marshal chapters: %w", err)
	}
	return s.db.UpsertParserResult(ctx, &models.ParserResult{
		DocumentID:   documentID,
		Method:       res.Method,
		Success:      res.Success,
		Chapters:     chapters,
		ChapterCount: res.Statistics.TotalChapters,
		ElapsedMS:    res.Performance.ElapsedMS,
		Error:        res.Error,
	})
}

func (s *Service) Results(ctx context.Context, documentID string) ([]models.ParserResult, error) {
	if _, err := s.db.GetParserDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.db.ListParserResults(ctx, documentID)
}

type GroundTruthInput struct {
	Chapters  []string `json:"chapters"`
	Annotator string   `json:"annotator"`
}

type Comparison struct {
	DocumentID string             `json:"document_id"`
	Scores     []evaluation.Score `json:"scores"`
	BestMethod string             `json:"best_method"`
	// Ensemble is the majority vote over the successful strategies.
	Ensemble      []string         `json:"ensemble"`
	EnsembleScore evaluation.Score `json:"ensemble_score"`
}

// SubmitGroundTruth scores every successful stored strategy result against the annotation and
// persists the annotation with the scores.
func (s *Service) SubmitGroundTruth(ctx context.Context, documentID string, in GroundTruthInput) (*Comparison, error) {
	const op = "submit ground truth"
	var truth []string
	for _, c := range in.Chapters {
		if c = strings.TrimSpace(c); c != "" {
			truth = append(truth, c)
		}
	}
	if len(truth) == 0 {
		return nil, errs.Validation(op, "ground truth needs at least one chapter")
	}

	results, err := s.Results(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var lists []evaluation.MethodTitles
	for _, r := range results {
		if !r.Success {
			continue
		}
		var nodes []structure.Node
		if len(r.Chapters) > 0 {
			if err := json.Unmarshal(r.Chapters, &nodes); err != nil {
				return nil, fmt.Errorf("failed to decode chapters of %s: %w", r.Method, err)
			}
		}
		lists = append(lists, evaluation.MethodTitles{Method: r.Method, Titles: flatten(nodes)})
	}
	if len(lists) == 0 {
		return nil, errs.State(op, "document %s has no successful parser result; run the parse stream first", documentID)
	}

	scores := evaluation.Compare(lists, truth)
	for i := range scores {
		scores[i].Precision = evaluation.Round(scores[i].Precision)
		scores[i].Recall = evaluation.Round(scores[i].Recall)
		scores[i].F1 = evaluation.Round(scores[i].F1)
	}
	best := evaluation.BestMethod(scores)

	votes := make([][]string, len(lists))
	for i, l := range lists {
		votes[i] = l.Titles
	}
	ensemble := evaluation.MajorityVote(votes)
	if ensemble == nil {
		ensemble = []string{}
	}
	ensembleScore := evaluation.ScoreTitles(ensemble, truth)
	ensembleScore.Method = "ensemble"

	stored := make([]sqlite.MethodScore, len(scores))
	for i, sc := range scores {
		stored[i] = sqlite.MethodScore{Method: sc.Method, Precision: sc.Precision, Recall: sc.Recall, F1: sc.F1}
	}
	gt := &models.GroundTruth{DocumentID: documentID, Chapters: truth, Annotator: in.Annotator, BestMethod: best}
	if err := s.db.SaveGroundTruth(ctx, gt, stored); err != nil {
		return nil, err
	}

	logger.Info("Ground truth scored",
		zap.String("document_id", documentID),
		zap.Int("chapters", len(truth)),
		zap.String("best_method", best),
	)
	return &Comparison{
		DocumentID:    documentID,
		Scores:        scores,
		BestMethod:    best,
		Ensemble:      ensemble,
		EnsembleScore: ensembleScore,
	}, nil
}

// flatten lists the titles depth first, which is document order.
func flatten(nodes []structure.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Title)
		out = append(out, flatten(n.Children)...)
	}
	return out
}
