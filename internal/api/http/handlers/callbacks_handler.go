package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/api/dto"
	"github.com/kyeliu99/PFlow/internal/auth"
	"github.com/kyeliu99/PFlow/internal/callback"
)

// CallbacksHandler accepts engine webhook notifications.
type CallbacksHandler struct {
	receiver *callback.Receiver
	logger   *zap.Logger
}

// NewCallbacksHandler constructs handler.
func NewCallbacksHandler(receiver *callback.Receiver, logger *zap.Logger) *CallbacksHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbacksHandler{receiver: receiver, logger: logger}
}

// Receive POST /api/engine/callbacks.
func (h *CallbacksHandler) Receive(c *fiber.Ctx) error {
	n, err := callback.ParseNotification(c.Body())
	if err != nil {
		return err
	}
	if claims, ok := auth.ClaimsFromContext(c); ok {
		h.logger.Debug("engine callback received",
			zap.String("engine", claims.Engine),
			zap.String("event_type", string(n.EventType)))
	}

	result, err := h.receiver.Handle(c.UserContext(), n)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.CallbackResponse{Result: string(result)})
}
