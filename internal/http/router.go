package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/config"
	"github.com/participant-hub/identity/internal/http/handlers"
	"github.com/participant-hub/identity/internal/middleware"
	"github.com/participant-hub/identity/internal/rbac"
)

// SetupRouter mounts the identity API. rdb may be nil, which disables rate
// limiting. wsHub may be nil when live events are not served.
func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	authHandler *handlers.AuthHandler,
	identityHandler *handlers.IdentityHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORSAllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")

	// Sign-in (public)
	signIn := []fiber.Handler{authHandler.TelegramAuth}
	if rdb != nil {
		signIn = append([]fiber.Handler{middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute)}, signIn...)
	}
	api.Post("/auth/telegram", signIn...)

	protected := api.Group("", middleware.AuthMiddleware(cfg.JWTSecret, log))
	if rdb != nil {
		protected.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute))
	}

	org := protected.Group("/orgs/:orgId", middleware.OrgScopeMiddleware())

	// Imports
	org.Post("/imports/score", middleware.RequirePermission(rbac.PermImport), identityHandler.ScoreImport)
	org.Post("/imports/apply", middleware.RequirePermission(rbac.PermImport), identityHandler.ApplyImport)

	// Participants
	p := org.Group("/participants/:id")
	p.Post("/merge", middleware.RequirePermission(rbac.PermMerge), identityHandler.Merge)
	p.Patch("", middleware.RequirePermission(rbac.PermEditIdentity), identityHandler.UpdateParticipant)
	p.Put("/external-ids", middleware.RequirePermission(rbac.PermManageLinks), identityHandler.UpsertExternalID)
	p.Get("/duplicates", middleware.RequirePermission(rbac.PermReadIdentity), identityHandler.Duplicates)
	p.Get("/audit", middleware.RequirePermission(rbac.PermReadIdentity), identityHandler.AuditTrail)
	p.Get("/canonical", middleware.RequirePermission(rbac.PermReadIdentity), identityHandler.Canonical)

	if wsHub != nil {
		app.Use("/ws", handlers.WSUpgradeMiddleware())
		app.Get("/ws", websocket.New(wsHub.HandleWS))
	}
}
