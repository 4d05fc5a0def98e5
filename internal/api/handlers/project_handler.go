package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tenderflow/backend/internal/storage/models"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/pkg/errs"
)

type ProjectHandler struct {
	db *sqlite.Client
}

func NewProjectHandler(db *sqlite.Client) *ProjectHandler {
	return &ProjectHandler{
		db: db,
	}
}

func (h *ProjectHandler) CreateProject(c *fiber.Ctx) error {
	var req struct {
		ProjectName string `json:"project_name"`
		CompanyID   int64  `json:"company_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errs.Validation("create project", "invalid request body"))
	}

	project, err := h.db.CreateProject(c.UserContext(), req.ProjectName, req.CompanyID)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(project)
}

func (h *ProjectHandler) GetProject(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	project, err := h.db.GetProject(c.UserContext(), pid)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(project)
}

// DeleteProject removes the project with its chunks, requirements and logs. A project that is
// being processed cannot be deleted.
func (h *ProjectHandler) DeleteProject(c *fiber.Ctx) error {
	pid, err := projectID(c)
	if err != nil {
		return fail(c, err)
	}
	task, err := h.db.GetProcessingTask(c.UserContext(), pid)
	switch {
	case err == nil && task.OverallStatus == models.StatusRunning:
		return fail(c, errs.State("delete project", "project %d is being processed", pid))
	case err != nil && errs.KindOf(err) != errs.KindNotFound:
		return fail(c, err)
	}

	if err := h.db.DeleteProject(c.UserContext(), pid); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"project_id": pid, "deleted": true})
}
