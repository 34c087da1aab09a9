package handlers

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/http/dto"
	"github.com/participant-hub/identity/internal/middleware"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/services"
)

// IdentityAPI is the part of services.IdentityService served over HTTP.
type IdentityAPI interface {
	ScoreExport(ctx context.Context, orgID uuid.UUID, fileName string, data []byte) (*services.ScoreReport, error)
	ApplyDecisions(ctx context.Context, req services.ApplyRequest) (*models.ApplyResult, error)
	Merge(ctx context.Context, orgID, target uuid.UUID, duplicates []uuid.UUID, actor models.Actor) (*models.MergeOutcome, error)
	FindDuplicates(ctx context.Context, orgID, id uuid.UUID) ([]models.MatchResult, error)
	UpdateParticipant(ctx context.Context, orgID, id uuid.UUID, patch models.ParticipantPatch, actor models.Actor) (*models.Participant, error)
	UpsertExternalID(ctx context.Context, orgID, id uuid.UUID, system, externalID string, actor models.Actor) (*models.ExternalIDLink, error)
	GetAuditTrail(ctx context.Context, orgID, participantID uuid.UUID) ([]models.AuditEntry, error)
	GetCanonical(ctx context.Context, orgID, id uuid.UUID) (*models.Participant, error)
}

type IdentityHandler struct {
	svc          IdentityAPI
	maxFileBytes int64
	log          *zap.Logger
}

func NewIdentityHandler(svc IdentityAPI, maxFileBytes int, log *zap.Logger) *IdentityHandler {
	return &IdentityHandler{svc: svc, maxFileBytes: int64(maxFileBytes), log: log}
}

func (h *IdentityHandler) ScoreImport(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field \"file\" is required")
	}
	if h.maxFileBytes > 0 && fh.Size > h.maxFileBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(dto.ErrorResponse{
			Error:     "export file too large",
			RequestID: requestID(c),
		})
	}

	f, err := fh.Open()
	if err != nil {
		return badRequest(c, "cannot read uploaded file")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return badRequest(c, "cannot read uploaded file")
	}

	report, err := h.svc.ScoreExport(c.UserContext(), middleware.GetOrgID(c), fh.Filename, data)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: report})
}

func (h *IdentityHandler) ApplyImport(c *fiber.Ctx) error {
	var req dto.ApplyImportRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	res, err := h.svc.ApplyDecisions(c.UserContext(), services.ApplyRequest{
		OrgID:     middleware.GetOrgID(c),
		ChatID:    req.ChatID,
		FileName:  req.FileName,
		Decisions: req.Decisions,
		Bulk:      req.Bulk,
		Actor:     middleware.GetActor(c),
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *IdentityHandler) Merge(c *fiber.Ctx) error {
	target, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	var req dto.MergeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	dups := make([]uuid.UUID, 0, len(req.DuplicateIDs))
	for _, raw := range req.DuplicateIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "invalid duplicate id "+raw)
		}
		dups = append(dups, id)
	}

	out, err := h.svc.Merge(c.UserContext(), middleware.GetOrgID(c), target, dups, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: out})
}

func (h *IdentityHandler) Duplicates(c *fiber.Ctx) error {
	id, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	matches, err := h.svc.FindDuplicates(c.UserContext(), middleware.GetOrgID(c), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if matches == nil {
		matches = []models.MatchResult{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: matches})
}

func (h *IdentityHandler) UpdateParticipant(c *fiber.Ctx) error {
	id, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	var patch dto.UpdateParticipantRequest
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, "invalid request")
	}

	p, err := h.svc.UpdateParticipant(c.UserContext(), middleware.GetOrgID(c), id, patch, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *IdentityHandler) UpsertExternalID(c *fiber.Ctx) error {
	id, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	var req dto.UpsertExternalIDRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	link, err := h.svc.UpsertExternalID(c.UserContext(), middleware.GetOrgID(c), id, req.System, req.ExternalID, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: link})
}

func (h *IdentityHandler) AuditTrail(c *fiber.Ctx) error {
	id, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	trail, err := h.svc.GetAuditTrail(c.UserContext(), middleware.GetOrgID(c), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if trail == nil {
		trail = []models.AuditEntry{}
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: trail})
}

func (h *IdentityHandler) Canonical(c *fiber.Ctx) error {
	id, ok := participantParam(c)
	if !ok {
		return badRequest(c, "invalid participant id")
	}
	p, err := h.svc.GetCanonical(c.UserContext(), middleware.GetOrgID(c), id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.CanonicalResponse{
		RequestedID: id.String(),
		CanonicalID: p.ID.String(),
		Participant: p,
	}})
}

func participantParam(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params("id"))
	return id, err == nil
}
