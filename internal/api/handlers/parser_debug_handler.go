package handlers

import (
	"bufio"
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/parserdebug"
	"github.com/tenderflow/backend/pkg/errs"
	"github.com/tenderflow/backend/pkg/logger"
)

type ParserDebugHandler struct {
	service *parserdebug.Service
}

func NewParserDebugHandler(service *parserdebug.Service) *ParserDebugHandler {
	return &ParserDebugHandler{
		service: service,
	}
}

func (h *ParserDebugHandler) Upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fail(c, errs.Validation("upload parser document", "file is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return fail(c, errs.Validation("upload parser document", "cannot open upload: %v", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fail(c, errs.Validation("upload parser document", "cannot read upload: %v", err))
	}

	doc, err := h.service.Upload(c.UserContext(), fh.Filename, data)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"document_id": doc.DocumentID,
		"filename":    doc.Filename,
		"file_size":   doc.FileSize,
	})
}

// ParseStream runs every strategy and sends one SSE frame per finished strategy.
func (h *ParserDebugHandler) ParseStream(c *fiber.Ctx) error {
	documentID := c.Params("document_id")
	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.service.Stream(ctx, documentID)
	if err != nil {
		cancel()
		return fail(c, err)
	}

	setSSEHeaders(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for e := range events {
			if err := writeSSE(w, e); err != nil {
				logger.Debug("Parser stream client gone", zap.String("document_id", documentID), zap.Error(err))
				// Drain so the remaining strategies still finish and persist.
				for range events {
				}
				return
			}
		}
	})
	return nil
}

func (h *ParserDebugHandler) Results(c *fiber.Ctx) error {
	documentID := c.Params("document_id")
	results, err := h.service.Results(c.UserContext(), documentID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"document_id": documentID, "results": results})
}

func (h *ParserDebugHandler) GroundTruth(c *fiber.Ctx) error {
	var req parserdebug.GroundTruthInput
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errs.Validation("submit ground truth", "invalid request body"))
	}
	cmp, err := h.service.SubmitGroundTruth(c.UserContext(), c.Params("document_id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(cmp)
}
