package approval

import (
	"errors"
	"strconv"

	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/utils/middleware"
	"github.com/buildrelay/api/utils/response"
	"github.com/buildrelay/api/utils/validation"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ApprovalHandler exposes the approval gate over HTTP
type ApprovalHandler struct {
	db        *gorm.DB
	validator *validation.Validator
	gate      *services.ApprovalGate
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(db *gorm.DB, gate *services.ApprovalGate) *ApprovalHandler {
	return &ApprovalHandler{
		db:        db,
		validator: validation.NewValidator(),
		gate:      gate,
	}
}

// ListPending handles GET /api/v1/approvals/pending
func (h *ApprovalHandler) ListPending(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	var subProjectID *uint
	if raw := c.Query("sub_project_id", ""); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return response.BadRequest(c, "Invalid sub_project_id")
		}
		id := uint(parsed)
		subProjectID = &id
	}

	approvals, err := h.gate.GetPendingApprovals(c.Context(), subProjectID, limit)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch pending approvals")
	}

	return response.Success(c, approvals)
}

// DecideRequest represents a human decision on a pending approval
type DecideRequest struct {
	Decision string `json:"decision" validate:"required,oneof=allow deny"`
	Reason   string `json:"reason" validate:"omitempty,max=2000"`
}

// Decide handles POST /api/v1/approvals/:id/decision
func (h *ApprovalHandler) Decide(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return response.BadRequest(c, "Invalid approval id")
	}

	var req DecideRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	approval, err := h.gate.Decide(c.Context(), uint(id), req.Decision, req.Reason)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Approval not found or already decided")
		}
		if errors.Is(err, services.ErrInvalidState) {
			return response.BadRequest(c, err.Error())
		}
		return response.InternalServerError(c, "Failed to record decision")
	}

	return response.Success(c, approval)
}
