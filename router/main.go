package router

import (
	"log"
	"time"

	"github.com/buildrelay/api/config"
	"github.com/buildrelay/api/database"
	"github.com/buildrelay/api/handlers"
	approval_handlers "github.com/buildrelay/api/handlers/approval"
	events_handlers "github.com/buildrelay/api/handlers/events"
	query_handlers "github.com/buildrelay/api/handlers/query"
	session_handlers "github.com/buildrelay/api/handlers/session"
	webhook_handlers "github.com/buildrelay/api/handlers/webhook"
	"github.com/buildrelay/api/services"
	"github.com/buildrelay/api/services/worker"
	"github.com/buildrelay/api/utils/auth"
	"github.com/buildrelay/api/utils/broadcast"
	"github.com/buildrelay/api/utils/cache"
	"github.com/buildrelay/api/utils/middleware"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, store database.Storage, env *config.EnviornmentVariable) {
	if env.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := env.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "buildrelay-api"
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: env.JWT_SECRET,
		Expiry: 24 * time.Hour,
		Issuer: jwtIssuer,
	})

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	redisURL := env.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Broadcast fan-out goes through Redis pub/sub so every API replica sees
	// every event regardless of which one received the webhook.
	broadcaster := broadcast.NewRedisBroadcaster(redisCache.GetClient())

	workerClient := worker.NewClient(worker.Config{
		BaseURL: env.WORKER_BASE_URL,
		Secret:  env.WORKER_WEBHOOK_SECRET,
		Timeout: env.WORKER_REQUEST_TIMEOUT,
	})

	// Core services
	meter := services.NewUsageMeter(redisCache, db)
	resolver := services.NewSessionResolver(db)
	hookLedger := services.NewHookLedger(db, broadcaster)
	approvalGate := services.NewApprovalGate(db, broadcaster, workerClient)
	settings := services.NewSettingsStore(db, env)
	evaluator := services.NewWorkerEvaluator(workerClient)

	dispatcher := services.NewDispatcher(db, meter, resolver, hookLedger,
		approvalGate, settings, workerClient, broadcaster, evaluator, env)

	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)

	// Handlers
	queryHandler := query_handlers.NewQueryHandler(db, dispatcher)
	webhookHandler := webhook_handlers.NewWebhookHandler(db, dispatcher)
	approvalHandler := approval_handlers.NewApprovalHandler(db, approvalGate)
	sessionHandler := session_handlers.NewSessionHandler(db, resolver, meter)
	eventsHandler := events_handlers.NewEventsHandler(db, resolver, broadcaster)

	// Health check
	app.Get("/ping", func(c *fiber.Ctx) error {
		return handlers.HandleCheckHealth(c, store)
	})

	v1 := app.Group("/api/v1")

	// Worker callbacks authenticate with the shared webhook secret, not JWTs
	webhooks := v1.Group("/webhooks", middleware.WebhookAuth(env.WORKER_WEBHOOK_SECRET))
	webhooks.Post("/agent", webhookHandler.Receive)

	// Everything else requires an authenticated user
	authed := v1.Group("", authMiddleware.Required())

	authed.Post("/queries", queryHandler.Submit)

	authed.Get("/sessions", sessionHandler.ListSessions)
	authed.Get("/sessions/:session_id/messages", sessionHandler.GetSessionTurns)
	authed.Get("/sessions/:session_id/events", eventsHandler.Stream)

	authed.Get("/coins", sessionHandler.GetCoins)

	authed.Get("/approvals/pending", approvalHandler.ListPending)
	authed.Post("/approvals/:id/decision", approvalHandler.Decide)
}
