package handlers

import (
	"io"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/pipeline"
	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type ProcessingHandler struct {
	orchestrator *pipeline.Orchestrator
	db           *sqlite.Client
}

func NewProcessingHandler(orchestrator *pipeline.Orchestrator, db *sqlite.Client) *ProcessingHandler {
	return &ProcessingHandler{
		orchestrator: orchestrator,
		db:           db,
	}
}

// Start takes a multipart upload with project_id, filter_model, extract_model and an optional step.
func (h *ProcessingHandler) Start(c *fiber.Ctx) error {
	const op = "start processing"
	pid, err := parseProjectID(c.FormValue("project_id"))
	if err != nil {
		return fail(c, err)
	}
	through := 0
	if raw := c.FormValue("step"); raw != "" {
		if through, err = strconv.Atoi(raw); err != nil {
			return fail(c, errs.Validation(op, "step must be an integer, got %q", raw))
		}
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return fail(c, errs.Validation(op, "file is required"))
	}
	parser, err := document.ParserFor(fh.Filename)
	if err != nil {
		return fail(c, err)
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, errs.Validation(op, "cannot open upload: %v", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fail(c, errs.Validation(op, "cannot read upload: %v", err))
	}
	doc, err := parser.Parse(c.UserContext(), fh.Filename, data)
	if err != nil {
		return fail(c, err)
	}

	taskID, err := h.orchestrator.Start(c.UserContext(), pipeline.StartRequest{
		ProjectID:    pid,
		ProjectName:  c.FormValue("project_name"),
		Document:     doc,
		FilterModel:  c.FormValue("filter_model"),
		ExtractModel: c.FormValue("extract_model"),
		Through:      through,
	})
	if err != nil {
		return fail(c, err)
	}

	logger.Info("Processing accepted",
		zap.Int64("project_id", pid),
		zap.String("filename", fh.Filename),
		zap.Int("paragraphs", len(doc.Paragraphs)),
	)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id":    taskID,
		"project_id": pid,
		"status":     "started",
	})
}

// Continue resumes at body.step, or at the step after the last completed one.
func (h *ProcessingHandler) Continue(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	var req struct {
		Step int `json:"step"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fail(c, errs.Validation("continue processing", "invalid request body"))
		}
	}
	if req.Step == 0 {
		task, err := h.db.GetProcessingTask(c.UserContext(), pid)
		if err != nil {
			return fail(c, err)
		}
		req.Step = task.CompletedStep + 1
	}

	if err := h.orchestrator.Continue(c.UserContext(), pid, req.Step); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"task_id":    pipeline.TaskID(pid),
		"project_id": pid,
		"step":       req.Step,
		"status":     "continued",
	})
}

func (h *ProcessingHandler) Status(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	status, err := h.orchestrator.Status(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(status)
}

func (h *ProcessingHandler) Cancel(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	ok, err := h.orchestrator.Cancel(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"project_id": pid, "cancelled": ok})
}

// Release frees a task whose worker died while running so it can be continued.
func (h *ProcessingHandler) Release(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	task, err := h.orchestrator.Release(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"project_id":     pid,
		"status":         task.OverallStatus,
		"completed_step": task.CompletedStep,
		"resumable":      task.Resumable,
	})
}

func (h *ProcessingHandler) Chunks(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	chunks, err := h.db.ListChunks(c.UserContext(), pid, sqlite.ChunkQuery{ValuableOnly: c.QueryBool("valuable_only")})
	if err != nil {
		return fail(c, err)
	}
	if chunks == nil {
		chunks = []models.DocumentChunk{}
	}
	return c.JSON(fiber.Map{"project_id": pid, "total": len(chunks), "chunks": chunks})
}

func (h *ProcessingHandler) Requirements(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	reqs, err := h.db.ListRequirements(c.UserContext(), pid, models.RequirementFilter{
		ConstraintType: c.Query("constraint_type"),
		Category:       c.Query("category"),
	})
	if err != nil {
		return fail(c, err)
	}
	summary, err := h.db.RequirementSummary(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	if reqs == nil {
		reqs = []models.Requirement{}
	}
	if summary == nil {
		summary = []models.RequirementSummary{}
	}
	return c.JSON(fiber.Map{
		"project_id":   pid,
		"total":        len(reqs),
		"requirements": reqs,
		"summary":      summary,
	})
}

func (h *ProcessingHandler) VerifyRequirement(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("requirement_id"), 10, 64)
	if err != nil || id <= 0 {
		return fail(c, errs.Validation("verify requirement", "requirement_id must be a positive integer"))
	}
	var req struct {
		VerifiedBy string `json:"verified_by"`
		Notes      string `json:"notes"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errs.Validation("verify requirement", "invalid request body"))
	}
	if req.VerifiedBy == "" {
		return fail(c, errs.Validation("verify requirement", "verified_by is required"))
	}
	if err := h.db.VerifyRequirement(c.UserContext(), id, req.VerifiedBy, req.Notes); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"requirement_id": id, "verified": true})
}

func (h *ProcessingHandler) Analytics(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	stats, err := h.orchestrator.Analytics(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"project_id": pid, "statistics": stats})
}
