package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/auth"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/rbac"
)

const (
	CtxUserID    = "user_id"
	CtxOrgID     = "org_id"
	CtxRole      = "role"
	CtxActorType = "actor_type"
)

func AuthMiddleware(jwtSecret string, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(jwtSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		actor := claims.Actor()
		c.Locals(CtxUserID, claims.UserID)
		c.Locals(CtxOrgID, claims.OrgID)
		c.Locals(CtxRole, claims.Role)
		c.Locals(CtxActorType, actor.Type)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxUserID).(uuid.UUID)
	return id
}

func GetOrgID(c *fiber.Ctx) uuid.UUID {
	id, _ := c.Locals(CtxOrgID).(uuid.UUID)
	return id
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// GetActor returns the authenticated actor for audit entries.
func GetActor(c *fiber.Ctx) models.Actor {
	id := GetUserID(c)
	t, _ := c.Locals(CtxActorType).(string)
	if t == "" {
		t = models.ActorUser
	}
	return models.Actor{ID: &id, Type: t}
}

// OrgScopeMiddleware rejects requests for an organization other than the
// token's. The answer is 404 so foreign org ids are not confirmed.
func OrgScopeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := uuid.Parse(c.Params("orgId"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization id"})
		}
		if orgID != GetOrgID(c) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "organization not found"})
		}
		return c.Next()
	}
}

func RequirePermission(perm string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), perm) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "insufficient role for " + perm})
		}
		return c.Next()
	}
}
