package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/tasks"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// ProgressSource delivers progress published by any server instance, e.g. over redis pub/sub.
type ProgressSource interface {
	SubscribeProgress(ctx context.Context, taskID string) (<-chan []byte, error)
}

type RiskHandler struct {
	runner    *tasks.RiskRunner
	remote    ProgressSource
	uploadDir string
}

// NewRiskHandler wires the risk endpoints. remote may be nil, in which case progress is served
// from the runner's in-process hub.
func NewRiskHandler(runner *tasks.RiskRunner, remote ProgressSource, uploadDir string) *RiskHandler {
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	return &RiskHandler{
		runner:    runner,
		remote:    remote,
		uploadDir: filepath.Join(uploadDir, "risk"),
	}
}

// Analyze accepts either a JSON body naming files on the server or a multipart upload with
// file and an optional response_file.
func (h *RiskHandler) Analyze(c *fiber.Ctx) error {
	const op = "analyze risk"
	var req tasks.RiskRequest

	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		path, err := h.saveUpload(c, "file")
		if err != nil {
			return fail(c, err)
		}
		req.FilePath = path
		if _, err := c.FormFile("response_file"); err == nil {
			if req.ResponsePath, err = h.saveUpload(c, "response_file"); err != nil {
				return fail(c, err)
			}
		}
		req.ModelName = c.FormValue("model_name")
		req.Mode = c.FormValue("mode")
		if raw := c.FormValue("project_id"); raw != "" {
			pid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fail(c, errs.Validation(op, "project_id must be an integer"))
			}
			req.ProjectID = pid
		}
	} else if err := c.BodyParser(&req); err != nil {
		return fail(c, errs.Validation(op, "invalid request body"))
	}

	taskID, err := h.runner.Submit(c.UserContext(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id": taskID,
		"status":  models.StatusPending,
	})
}

func (h *RiskHandler) saveUpload(c *fiber.Ctx, field string) (string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return "", errs.Validation("upload risk document", "%s is required", field)
	}
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	path := filepath.Join(h.uploadDir, uuid.NewString()+"_"+filepath.Base(fh.Filename))
	if err := c.SaveFile(fh, path); err != nil {
		return "", fmt.Errorf("failed to save upload: %w", err)
	}
	return path, nil
}

func (h *RiskHandler) Task(c *fiber.Ctx) error {
	status, err := h.runner.Status(c.UserContext(), c.Params("task_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(status)
}

// Export sends the Excel report, rebuilding it from the stored analysis when the file is gone.
func (h *RiskHandler) Export(c *fiber.Ctx) error {
	taskID := c.Params("task_id")
	path, err := h.runner.ReportFile(c.UserContext(), taskID)
	if err != nil {
		return fail(c, err)
	}
	return c.Download(path, fmt.Sprintf("risk_report_%s.xlsx", taskID))
}

func (h *RiskHandler) Cancel(c *fiber.Ctx) error {
	taskID := c.Params("task_id")
	ok, err := h.runner.Cancel(c.UserContext(), taskID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"task_id": taskID, "cancelled": ok})
}

func (h *RiskHandler) Resume(c *fiber.Ctx) error {
	taskID := c.Params("task_id")
	if err := h.runner.Resume(c.UserContext(), taskID); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"task_id": taskID, "status": "resumed"})
}

// Stream serves the task's progress as server-sent events until a terminal event.
func (h *RiskHandler) Stream(c *fiber.Ctx) error {
	taskID := c.Params("task_id")
	if _, err := h.runner.Status(c.UserContext(), taskID); err != nil {
		return fail(c, err)
	}

	setSSEHeaders(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		err := h.watch(ctx, taskID, func(e tasks.Event) error {
			return writeSSE(w, e)
		})
		if err != nil {
			logger.Debug("Risk event stream ended", zap.String("task_id", taskID), zap.Error(err))
		}
	})
	return nil
}

// watch emits a snapshot of the task, then its live events until a terminal one.
func (h *RiskHandler) watch(ctx context.Context, taskID string, emit func(tasks.Event) error) error {
	events, stop, err := h.subscribe(ctx, taskID)
	if err != nil {
		return err
	}
	defer stop()

	status, err := h.runner.Status(ctx, taskID)
	if err != nil {
		return err
	}
	snap := snapshot(status)
	if err := emit(snap); err != nil {
		return err
	}
	if terminal(snap.Stage) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := emit(e); err != nil {
				return err
			}
			if terminal(e.Stage) {
				return nil
			}
		}
	}
}

func (h *RiskHandler) subscribe(ctx context.Context, taskID string) (<-chan tasks.Event, func(), error) {
	if h.remote == nil {
		events, stop := h.runner.Hub().Subscribe(taskID)
		return events, stop, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	raw, err := h.remote.SubscribeProgress(ctx, taskID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan tasks.Event, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			var e tasks.Event
			if err := json.Unmarshal(payload, &e); err != nil {
				logger.Warn("Dropping malformed progress payload", zap.String("task_id", taskID), zap.Error(err))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func snapshot(status *tasks.RiskStatus) tasks.Event {
	t := status.Task
	e := tasks.Event{
		TaskID:   t.TaskID,
		Stage:    t.CurrentPhase,
		Progress: t.Progress,
		Message:  t.Message,
		Data: fiber.Map{
			"status":     t.OverallStatus,
			"items":      len(status.Items),
			"abnormal":   status.Abnormal,
			"can_resume": status.CanResume,
		},
	}
	switch t.OverallStatus {
	case models.StatusCompleted:
		e.Stage, e.Progress = risk.StageCompleted, 100
	case models.StatusFailed, models.StatusCancelled:
		e.Stage = risk.StageError
		if t.LastError != "" {
			e.Message = t.LastError
		}
	default:
		// The analyzer reports completion before the export phase has run.
		if terminal(e.Stage) {
			e.Stage = tasks.PhaseExport
		}
	}
	if e.Stage == "" {
		e.Stage = string(t.OverallStatus)
	}
	return e
}

func terminal(stage string) bool {
	return stage == risk.StageCompleted || stage == risk.StageError
}
