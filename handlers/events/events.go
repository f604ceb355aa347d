package events

import (
	"bufio"
	"context"
	"log"
	"time"

	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/utils/broadcast"
	"github.com/buildrelay/api/utils/middleware"
	"github.com/buildrelay/api/utils/response"
	"github.com/buildrelay/api/utils/sse"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"
)

const keepAliveInterval = 25 * time.Second

// EventsHandler streams live session events to clients over SSE
type EventsHandler struct {
	db          *gorm.DB
	resolver    *services.SessionResolver
	broadcaster broadcast.Broadcaster
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(db *gorm.DB, resolver *services.SessionResolver, broadcaster broadcast.Broadcaster) *EventsHandler {
	return &EventsHandler{
		db:          db,
		resolver:    resolver,
		broadcaster: broadcaster,
	}
}

// Stream handles GET /api/v1/sessions/:session_id/events. It subscribes to
// the session's broadcast channel and relays events until the client
// disconnects. Delivery here is fire-and-forget from the publishers' side;
// a dropped client loses events and reconnects.
func (h *EventsHandler) Stream(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	sessionID := c.Params("session_id")
	session, _, err := h.resolver.ListSessionTurns(c.Context(), sessionID)
	if err != nil {
		return response.NotFound(c, "Session not found")
	}
	if session.UserID != user.ID && user.Role != "admin" {
		return response.Forbidden(c, "")
	}

	events, cancel, err := h.broadcaster.Subscribe(context.Background(), sessionID)
	if err != nil {
		return response.ServiceUnavailable(c, "Event stream unavailable")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				err := sse.Send(w, sse.Event{
					Event: event.Type,
					Data:  event,
				})
				if err != nil {
					// Client went away
					return
				}
			case <-keepAlive.C:
				if err := sse.SendKeepAlive(w); err != nil {
					return
				}
			}
		}
	}))

	log.Printf("events: client subscribed to session %s", sessionID)
	return nil
}
