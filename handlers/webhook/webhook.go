package webhook

import (
	"errors"

	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/utils/response"
	"github.com/buildrelay/api/utils/validation"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// WebhookHandler receives worker callbacks and routes them by declared type
type WebhookHandler struct {
	db         *gorm.DB
	validator  *validation.Validator
	dispatcher *services.Dispatcher
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(db *gorm.DB, dispatcher *services.Dispatcher) *WebhookHandler {
	return &WebhookHandler{
		db:         db,
		validator:  validation.NewValidator(),
		dispatcher: dispatcher,
	}
}

// Receive handles POST /api/v1/webhooks/agent. The body carries a type
// discriminant; decoding into the closed variant set happens here at the
// boundary, and unknown types are rejected rather than stored as blobs.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	payload, err := services.DecodeWebhook(c.Body())
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	if progress, ok := payload.(*services.ChatProgressPayload); ok {
		if err := h.validator.ValidateStruct(progress); err != nil {
			return response.ValidationError(c, err)
		}
	}
	if approval, ok := payload.(*services.ApprovalRequestPayload); ok {
		if err := h.validator.ValidateStruct(approval); err != nil {
			return response.ValidationError(c, err)
		}
	}

	if err := h.dispatcher.HandleWebhook(c.Context(), payload); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Unknown conversation: let the worker retry per its own policy
			return response.NotFound(c, err.Error())
		}
		if errors.Is(err, services.ErrInvalidState) {
			return response.BadRequest(c, err.Error())
		}
		return response.InternalServerError(c, "Failed to process webhook")
	}

	return response.Success(c, fiber.Map{"received": true})
}
