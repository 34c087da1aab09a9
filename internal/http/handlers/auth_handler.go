package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/auth"
	"github.com/participant-hub/identity/internal/http/dto"
	"github.com/participant-hub/identity/internal/models"
)

// MemberStore looks up who may sign in to an organization.
type MemberStore interface {
	Touch(ctx context.Context, orgID uuid.UUID, telegramID int64, username, firstName, lastName *string) (*models.OrgMember, error)
}

type AuthConfig struct {
	BotToken       string
	JWTSecret      string
	JWTExpiration  time.Duration
	InitDataMaxAge time.Duration
}

type AuthHandler struct {
	members MemberStore
	cfg     AuthConfig
	log     *zap.Logger
}

func NewAuthHandler(members MemberStore, cfg AuthConfig, log *zap.Logger) *AuthHandler {
	return &AuthHandler{members: members, cfg: cfg, log: log}
}

// TelegramAuth exchanges signed mini app initData for a token scoped to one
// organization. Only registered members of that organization get one.
func (h *AuthHandler) TelegramAuth(c *fiber.Ctx) error {
	var req dto.AuthTelegramRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.InitData == "" {
		return badRequest(c, "init_data is required")
	}
	orgID, err := uuid.Parse(req.OrgID)
	if err != nil {
		return badRequest(c, "invalid org_id")
	}

	tgUser, err := auth.ValidateTelegramWebAppData(req.InitData, h.cfg.BotToken, h.cfg.InitDataMaxAge)
	if err != nil {
		h.log.Debug("telegram auth validation failed", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: err.Error(), RequestID: requestID(c)})
	}

	member, err := h.members.Touch(c.UserContext(), orgID, tgUser.ID,
		optional(tgUser.Username), optional(tgUser.FirstName), optional(tgUser.LastName))
	if errors.Is(err, apperr.ErrNotFound) {
		h.log.Info("sign-in by non-member",
			zap.String("org_id", orgID.String()),
			zap.Int64("telegram_user_id", tgUser.ID),
		)
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: "not a member of this organization", RequestID: requestID(c)})
	}
	if err != nil {
		return writeError(c, h.log, apperr.Persistence(err, "load membership"))
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, auth.Claims{
		UserID: member.UserID,
		OrgID:  member.OrgID,
		Role:   member.Role,
	}, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to generate jwt", zap.Error(err))
		return writeError(c, h.log, err)
	}

	return c.JSON(dto.AuthResponse{Token: token, Member: member})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
