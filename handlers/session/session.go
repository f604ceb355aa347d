package session

import (
	"errors"
	"strconv"

	"github.com/buildrelay/api/model"
	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/utils/middleware"
	"github.com/buildrelay/api/utils/response"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SessionHandler exposes session history and the coin ledger
type SessionHandler struct {
	db       *gorm.DB
	resolver *services.SessionResolver
	meter    *services.UsageMeter
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(db *gorm.DB, resolver *services.SessionResolver, meter *services.UsageMeter) *SessionHandler {
	return &SessionHandler{
		db:       db,
		resolver: resolver,
		meter:    meter,
	}
}

// ListSessions handles GET /api/v1/sessions
func (h *SessionHandler) ListSessions(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	status := c.Query("status", "")

	query := h.db.Model(&model.ChatSession{}).Where("user_id = ?", user.ID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return response.InternalServerError(c, "Failed to count sessions")
	}

	offset := (page - 1) * limit
	pagination := response.CalculatePagination(page, limit, total)

	var sessions []model.ChatSession
	if err := query.
		Order("last_message_at DESC NULLS LAST, created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error; err != nil {
		return response.InternalServerError(c, "Failed to fetch sessions")
	}

	return response.Paginated(c, sessions, pagination)
}

// GetSessionTurns handles GET /api/v1/sessions/:session_id/messages.
// The path parameter is the agent session id, not the numeric primary key:
// it is the only identity clients ever see.
func (h *SessionHandler) GetSessionTurns(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	sessionID := c.Params("session_id")
	session, turns, err := h.resolver.ListSessionTurns(c.Context(), sessionID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Session not found")
		}
		return response.InternalServerError(c, "Failed to fetch session")
	}

	if session.UserID != user.ID && user.Role != "admin" {
		return response.Forbidden(c, "")
	}

	return response.Success(c, fiber.Map{
		"session":  session,
		"messages": turns,
	})
}

// GetCoins handles GET /api/v1/coins
func (h *SessionHandler) GetCoins(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))

	balance, err := h.meter.Balance(c.Context(), user.ID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch balance")
	}

	transactions, err := h.meter.Transactions(c.Context(), user.ID, limit)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch transactions")
	}

	return response.Success(c, fiber.Map{
		"balance":      balance,
		"transactions": transactions,
	})
}
