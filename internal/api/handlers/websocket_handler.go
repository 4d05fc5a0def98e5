package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/tasks"
	"github.com/tenderflow/backend/pkg/logger"
)

type WebSocketHandler struct {
	risk *RiskHandler
}

func NewWebSocketHandler(risk *RiskHandler) *WebSocketHandler {
	return &WebSocketHandler{
		risk: risk,
	}
}

// HandleConnection pushes the progress of /ws/risk/:task_id until the task ends or the client
// disconnects.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	taskID := c.Params("task_id")
	logger.Info("WebSocket connection established", zap.String("task_id", taskID))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("task_id", taskID))
	}()

	// The client sends nothing; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err := h.risk.watch(ctx, taskID, func(e tasks.Event) error {
		return c.WriteJSON(e)
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("Failed to stream risk progress", zap.String("task_id", taskID), zap.Error(err))
		h.sendError(c, err.Error())
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"stage": "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
