package query

import (
	"errors"

	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/utils/middleware"
	"github.com/buildrelay/api/utils/response"
	"github.com/buildrelay/api/utils/validation"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// QueryHandler handles query submission requests
type QueryHandler struct {
	db         *gorm.DB
	validator  *validation.Validator
	dispatcher *services.Dispatcher
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(db *gorm.DB, dispatcher *services.Dispatcher) *QueryHandler {
	return &QueryHandler{
		db:         db,
		validator:  validation.NewValidator(),
		dispatcher: dispatcher,
	}
}

// SubmitQueryRequest represents the request to submit a query
type SubmitQueryRequest struct {
	Prompt     string `json:"prompt" validate:"required,min=1,max=20000"`
	SessionID  string `json:"session_id" validate:"omitempty,max=100"`
	Path       string `json:"path" validate:"omitempty,max=500"`
	OrgName    string `json:"org_name" validate:"omitempty,max=255"`
	Cwd        string `json:"cwd" validate:"omitempty,max=500"`
	WebhookURL string `json:"webhook_url" validate:"omitempty,url,max=500"`
}

// Submit handles POST /api/v1/queries
func (h *QueryHandler) Submit(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req SubmitQueryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	result, err := h.dispatcher.SubmitQuery(c.Context(), user, services.SubmitQueryInput{
		Prompt:     req.Prompt,
		SessionID:  req.SessionID,
		Path:       req.Path,
		OrgName:    req.OrgName,
		Cwd:        req.Cwd,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		if rle, ok := services.IsRateLimited(err); ok {
			return response.TooManyRequests(c, rle.Error(), int(rle.RetryAfter.Seconds()))
		}
		if errors.Is(err, services.ErrInsufficientBalance) {
			return response.Error(c, fiber.StatusPaymentRequired, "Insufficient coin balance", "INSUFFICIENT_BALANCE")
		}
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, err.Error())
		}
		return response.InternalServerError(c, "Failed to submit query")
	}

	return response.Accepted(c, result)
}
