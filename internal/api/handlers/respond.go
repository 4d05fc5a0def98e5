package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

// fail writes err with the status of its kind.
func fail(c *fiber.Ctx, err error) error {
	status := errs.HTTPStatus(err)
	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= fiber.StatusInternalServerError {
		logger.Error("Request failed", fields...)
	} else {
		logger.Warn("Request rejected", fields...)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  errs.KindOf(err),
	})
}

func projectID(c *fiber.Ctx) (int64, error) {
	return parseProjectID(c.Params("project_id"))
}

func parseProjectID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("parse project id", "project_id must be a positive integer, got %q", raw)
	}
	return id, nil
}
