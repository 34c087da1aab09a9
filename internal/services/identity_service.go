package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/exportparser"
	"github.com/participant-hub/identity/internal/matching"
	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/repositories"
	"github.com/participant-hub/identity/internal/review"
)

type ParticipantStore interface {
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Participant, error)
	ListCandidates(ctx context.Context, orgID uuid.UUID) ([]models.Candidate, error)
	Update(ctx context.Context, orgID, id uuid.UUID, patch models.ParticipantPatch) (before, after *models.Participant, err error)
	UpsertExternalID(ctx context.Context, link models.ExternalIDLink) (previous *string, err error)
}

type ImportStore interface {
	CreateBatch(ctx context.Context, b *models.ImportBatch) error
	FinishBatch(ctx context.Context, id uuid.UUID, status string, res models.ApplyResult) error
	ApplyAuthor(ctx context.Context, in repositories.AuthorApply) (*repositories.AppliedAuthor, error)
}

type Merger interface {
	Merge(ctx context.Context, orgID, target uuid.UUID, duplicates []uuid.UUID, actor models.Actor) (*models.MergeOutcome, error)
}

type AuditLog interface {
	Record(ctx context.Context, entry models.AuditEntry)
	Trail(ctx context.Context, orgID, id uuid.UUID) ([]models.AuditEntry, error)
}

type IdentityService struct {
	participants ParticipantStore
	imports      ImportStore
	engine       *matching.Engine
	resolver     *canonical.Resolver
	merger       Merger
	audit        AuditLog
	publisher    events.Publisher
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	log          *zap.Logger
}

func NewIdentityService(
	participants ParticipantStore,
	imports ImportStore,
	engine *matching.Engine,
	resolver *canonical.Resolver,
	merger Merger,
	audit AuditLog,
	publisher events.Publisher,
	m *metrics.Metrics,
	log *zap.Logger,
) *IdentityService {
	return &IdentityService{
		participants: participants,
		imports:      imports,
		engine:       engine,
		resolver:     resolver,
		merger:       merger,
		audit:        audit,
		publisher:    publisher,
		metrics:      m,
		tracer:       otel.Tracer("github.com/participant-hub/identity/internal/services"),
		log:          log,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ScoreMatches scores authors against one snapshot of the org's canonical
// participants.
func (s *IdentityService) ScoreMatches(ctx context.Context, orgID uuid.UUID, authors []models.ImportedAuthor) (_ []models.MatchResult, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.ScoreMatches", trace.WithAttributes(
		attribute.String("org_id", orgID.String()),
		attribute.Int("authors", len(authors)),
	))
	defer func() { endSpan(span, err) }()

	if orgID == uuid.Nil {
		return nil, apperr.Validation("org_id is required")
	}
	candidates, err := s.participants.ListCandidates(ctx, orgID)
	if err != nil {
		return nil, apperr.Persistence(err, "load match candidates")
	}
	results, err := s.engine.Match(ctx, candidates, authors)
	if err != nil {
		return nil, err
	}
	s.log.Debug("authors scored",
		zap.String("org_id", orgID.String()),
		zap.Int("authors", len(authors)),
		zap.Int("results", len(results)),
		zap.Int("candidates", len(candidates)),
	)
	return results, nil
}

// ScoreReport is what a reviewer starts from: the parsed export, the engine's
// results and decisions seeded from its recommendations.
type ScoreReport struct {
	ChatID    *int64                  `json:"chat_id,omitempty"`
	ChatName  string                  `json:"chat_name"`
	Format    string                  `json:"format"`
	Messages  int                     `json:"messages"`
	Skipped   int                     `json:"skipped_messages"`
	Results   []models.MatchResult    `json:"results"`
	Decisions []models.AuthorDecision `json:"decisions"`
	Counts    map[string]int          `json:"counts"`
}

func (s *IdentityService) ScoreExport(ctx context.Context, orgID uuid.UUID, fileName string, data []byte) (*ScoreReport, error) {
	exp, err := exportparser.Parse(fileName, data)
	if err != nil {
		return nil, err
	}
	results, err := s.ScoreMatches(ctx, orgID, exp.Authors)
	if err != nil {
		return nil, err
	}
	decisions := review.FromMatches(results)
	return &ScoreReport{
		ChatID:    exp.ChatID,
		ChatName:  exp.ChatName,
		Format:    exp.Format,
		Messages:  len(exp.Messages),
		Skipped:   exp.Skipped,
		Results:   results,
		Decisions: decisions.List(),
		Counts:    decisions.Counts(),
	}, nil
}

type ApplyRequest struct {
	OrgID     uuid.UUID
	ChatID    *int64
	FileName  string
	Decisions []models.AuthorDecision
	Bulk      string
	Actor     models.Actor
}

// ApplyDecisions persists reviewed decisions as one import batch. Authors
// already applied for the same chat are reused, so re-submitting a batch
// creates nothing and does not inflate interaction counts.
func (s *IdentityService) ApplyDecisions(ctx context.Context, req ApplyRequest) (_ *models.ApplyResult, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.ApplyDecisions", trace.WithAttributes(
		attribute.String("org_id", req.OrgID.String()),
		attribute.Int("decisions", len(req.Decisions)),
	))
	defer func() { endSpan(span, err) }()

	if req.OrgID == uuid.Nil {
		return nil, apperr.Validation("org_id is required")
	}
	if req.ChatID == nil {
		return nil, apperr.Validation("chat_id is required to apply an import")
	}
	if !models.IsValidActorType(req.Actor.Type) {
		return nil, apperr.Validation("invalid actor type %q", req.Actor.Type)
	}

	decisions := review.FromDecisions(req.Decisions)
	if err := decisions.ApplyBulk(req.Bulk); err != nil {
		return nil, err
	}
	if err := decisions.Validate(); err != nil {
		return nil, err
	}
	list := decisions.List()

	targets, err := s.resolveTargets(ctx, req.OrgID, list)
	if err != nil {
		return nil, err
	}

	batch := &models.ImportBatch{
		OrgID:        req.OrgID,
		ChatID:       req.ChatID,
		FileName:     req.FileName,
		TotalAuthors: len(list),
		ImportedBy:   req.Actor.ID,
	}
	if err := s.imports.CreateBatch(ctx, batch); err != nil {
		return nil, apperr.Persistence(err, "create import batch")
	}

	res := models.ApplyResult{BatchID: batch.ID}
	for _, d := range list {
		if d.Decision.Action == models.ActionSkip {
			res.Skipped++
			continue
		}
		in := repositories.AuthorApply{
			OrgID:   req.OrgID,
			BatchID: batch.ID,
			ChatID:  *req.ChatID,
			Author:  d.Author,
			Action:  d.Decision.Action,
		}
		if d.Decision.TargetID != nil {
			in.TargetID = targets[*d.Decision.TargetID]
		}

		applied, err := s.applyAuthor(ctx, in)
		if err != nil {
			s.failBatch(ctx, batch.ID, res, err)
			if apperr.KindOf(err) != apperr.KindPersistence {
				return nil, err
			}
			return nil, apperr.Persistence(err, "apply author %q", d.Author.Key()).
				WithDetails(map[string]any{"batch_id": batch.ID, "applied": res})
		}

		switch applied.Result {
		case repositories.AppliedCreated:
			res.Created++
		case repositories.AppliedMerged:
			res.Merged++
		case repositories.AppliedReused:
			res.Reused++
		}
		s.recordImported(ctx, req, batch.ID, d.Author, applied)
	}

	if err := s.imports.FinishBatch(ctx, batch.ID, models.ImportStatusCompleted, res); err != nil {
		s.log.Warn("failed to finish import batch", zap.String("batch_id", batch.ID.String()), zap.Error(err))
	}

	s.metrics.AddImported(repositories.AppliedCreated, res.Created)
	s.metrics.AddImported(repositories.AppliedMerged, res.Merged)
	s.metrics.AddImported(repositories.AppliedReused, res.Reused)
	s.metrics.AddImported(models.ActionSkip, res.Skipped)

	s.log.Info("import batch applied",
		zap.String("org_id", req.OrgID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.Int64("chat_id", *req.ChatID),
		zap.Int("created", res.Created),
		zap.Int("merged", res.Merged),
		zap.Int("skipped", res.Skipped),
		zap.Int("reused", res.Reused),
	)
	s.publish(ctx, events.NewImportApplied(req.OrgID, &res))
	return &res, nil
}

// resolveTargets canonicalizes every merge target once for the batch.
func (s *IdentityService) resolveTargets(ctx context.Context, orgID uuid.UUID, list []models.AuthorDecision) (map[uuid.UUID]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, d := range list {
		if d.Decision.Action == models.ActionMerge {
			ids = append(ids, *d.Decision.TargetID)
		}
	}
	if len(ids) == 0 {
		return map[uuid.UUID]uuid.UUID{}, nil
	}
	return s.resolver.ResolveMany(ctx, orgID, ids)
}

// applyAuthor retries once when a concurrent import linked the same author.
func (s *IdentityService) applyAuthor(ctx context.Context, in repositories.AuthorApply) (*repositories.AppliedAuthor, error) {
	applied, err := s.imports.ApplyAuthor(ctx, in)
	if errors.Is(err, repositories.ErrLinkRace) {
		s.log.Debug("author linked concurrently, retrying", zap.String("author_key", in.Author.Key()))
		applied, err = s.imports.ApplyAuthor(ctx, in)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.NotFound("merge target %s not found", in.TargetID)
	}
	return applied, err
}

func (s *IdentityService) failBatch(ctx context.Context, batchID uuid.UUID, res models.ApplyResult, cause error) {
	s.log.Error("import batch failed", zap.String("batch_id", batchID.String()), zap.Error(cause))
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.imports.FinishBatch(fctx, batchID, models.ImportStatusFailed, res); err != nil {
		s.log.Warn("failed to mark import batch failed", zap.String("batch_id", batchID.String()), zap.Error(err))
	}
}

func (s *IdentityService) recordImported(ctx context.Context, req ApplyRequest, batchID uuid.UUID, a models.ImportedAuthor, applied *repositories.AppliedAuthor) {
	entry := models.AuditEntry{
		OrgID:         req.OrgID,
		ParticipantID: applied.ParticipantID,
		ActorID:       req.Actor.ID,
		ActorType:     req.Actor.Type,
		Source:        models.AuditSourceImport,
		BatchID:       &batchID,
		Changes: map[string]any{
			"author_key":        a.Key(),
			"chat_id":           *req.ChatID,
			"interaction_count": a.InteractionCount,
		},
	}
	switch applied.Result {
	case repositories.AppliedCreated:
		entry.Action = models.AuditCreate
		entry.Changes["name"] = a.Name
		if a.ExternalID != nil {
			entry.Changes["tg_user_id"] = *a.ExternalID
		}
		s.publish(ctx, events.NewParticipantCreated(req.OrgID, applied.ParticipantID, models.SourceImport))
	case repositories.AppliedMerged:
		entry.Action = models.AuditUpdate
		entry.Changes["changed_fields"] = applied.Changed
	default:
		return
	}
	s.audit.Record(ctx, entry)
}

func (s *IdentityService) Merge(ctx context.Context, orgID, target uuid.UUID, duplicates []uuid.UUID, actor models.Actor) (_ *models.MergeOutcome, err error) {
	ctx, span := s.tracer.Start(ctx, "identity.Merge", trace.WithAttributes(
		attribute.String("org_id", orgID.String()),
		attribute.String("target_id", target.String()),
		attribute.Int("duplicates", len(duplicates)),
	))
	defer func() { endSpan(span, err) }()

	return s.merger.Merge(ctx, orgID, target, duplicates, actor)
}

func (s *IdentityService) GetAuditTrail(ctx context.Context, orgID, participantID uuid.UUID) ([]models.AuditEntry, error) {
	return s.audit.Trail(ctx, orgID, participantID)
}

func (s *IdentityService) Resolve(ctx context.Context, orgID, id uuid.UUID) (uuid.UUID, error) {
	return s.resolver.Resolve(ctx, orgID, id)
}

// GetCanonical returns the canonical record for any id of the identity.
func (s *IdentityService) GetCanonical(ctx context.Context, orgID, id uuid.UUID) (*models.Participant, error) {
	cid, err := s.resolver.Resolve(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	p, err := s.participants.GetByID(ctx, orgID, cid)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("participant %s not found", id)
		}
		return nil, apperr.Persistence(err, "load participant %s", cid)
	}
	return p, nil
}

// UpdateParticipant applies a manual edit to the canonical record of id.
func (s *IdentityService) UpdateParticipant(ctx context.Context, orgID, id uuid.UUID, patch models.ParticipantPatch, actor models.Actor) (*models.Participant, error) {
	if patch.IsEmpty() {
		return nil, apperr.Validation("nothing to update")
	}
	if patch.Status != nil && *patch.Status != models.ParticipantStatusActive && *patch.Status != models.ParticipantStatusExcluded {
		return nil, apperr.Validation("status must be %q or %q", models.ParticipantStatusActive, models.ParticipantStatusExcluded)
	}
	if patch.Email != nil && *patch.Email != "" && !strings.Contains(*patch.Email, "@") {
		return nil, apperr.Validation("invalid email %q", *patch.Email)
	}

	cid, err := s.resolver.Resolve(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	before, after, err := s.participants.Update(ctx, orgID, cid, patch)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Conflict("participant %s was merged concurrently, retry", cid)
		}
		return nil, apperr.Persistence(err, "update participant %s", cid)
	}

	diff := diffParticipants(before, after)
	if len(diff) == 0 {
		return after, nil
	}
	s.audit.Record(ctx, models.AuditEntry{
		OrgID:         orgID,
		ParticipantID: cid,
		ActorID:       actor.ID,
		ActorType:     actor.Type,
		Source:        models.AuditSourceManual,
		Action:        models.AuditUpdate,
		Changes:       diff,
	})
	changed := make([]string, 0, len(diff))
	for f := range diff {
		changed = append(changed, f)
	}
	s.publish(ctx, events.NewParticipantUpdated(orgID, cid, changed))
	return after, nil
}

func diffParticipants(before, after *models.Participant) map[string]any {
	diff := map[string]any{}
	pair := func(field string, b, a *string) {
		if deref(b) != deref(a) {
			diff[field] = map[string]any{"before": b, "after": a}
		}
	}
	pair("full_name", before.FullName, after.FullName)
	pair("username", before.Username, after.Username)
	pair("email", before.Email, after.Email)
	pair("phone", before.Phone, after.Phone)
	pair("bio", before.Bio, after.Bio)
	if before.Status != after.Status {
		diff["status"] = map[string]any{"before": before.Status, "after": after.Status}
	}
	return diff
}

func (s *IdentityService) UpsertExternalID(ctx context.Context, orgID, id uuid.UUID, system, externalID string, actor models.Actor) (*models.ExternalIDLink, error) {
	system = strings.ToLower(strings.TrimSpace(system))
	externalID = strings.TrimSpace(externalID)
	if system == "" || externalID == "" {
		return nil, apperr.Validation("system and external_id are required")
	}

	cid, err := s.resolver.Resolve(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	link := models.ExternalIDLink{OrgID: orgID, ParticipantID: cid, System: system, ExternalID: externalID}
	previous, err := s.participants.UpsertExternalID(ctx, link)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Persistence(err, "upsert external id")
	}
	if previous != nil && *previous == externalID {
		return &link, nil
	}

	s.audit.Record(ctx, models.AuditEntry{
		OrgID:         orgID,
		ParticipantID: cid,
		ActorID:       actor.ID,
		ActorType:     actor.Type,
		Source:        sourceFor(actor),
		Action:        models.AuditExternalIDUpsert,
		Changes: map[string]any{
			"system": system,
			"before": previous,
			"after":  externalID,
		},
	})
	return &link, nil
}

func sourceFor(actor models.Actor) string {
	if actor.Type == models.ActorIntegration {
		return models.AuditSourceConnector
	}
	return models.AuditSourceManual
}

// FindDuplicates suggests other canonical participants that look like the
// same person as id, best first.
func (s *IdentityService) FindDuplicates(ctx context.Context, orgID, id uuid.UUID) ([]models.MatchResult, error) {
	p, err := s.GetCanonical(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	all, err := s.participants.ListCandidates(ctx, orgID)
	if err != nil {
		return nil, apperr.Persistence(err, "load match candidates")
	}
	others := make([]models.Candidate, 0, len(all))
	for _, c := range all {
		if c.ID != p.ID {
			others = append(others, c)
		}
	}

	author := models.ImportedAuthor{
		Name:       p.DisplayName(),
		Handle:     p.Username,
		ExternalID: p.TgUserID,
	}
	results, err := s.engine.Rank(ctx, others, author)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.MatchResult{}
	}
	return results, nil
}

func (s *IdentityService) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.StreamIdentity, ev); err != nil {
		s.log.Warn("failed to publish identity event", zap.String("type", ev.Type), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// String renders a result line for operators.
func (r ScoreReport) String() string {
	return fmt.Sprintf("%s: %d authors, %d messages (%d skipped)", r.ChatName, len(r.Results), r.Messages, r.Skipped)
}
