// Package merge consolidates duplicate participants into a canonical target.
//
// Coordinator is the only writer of merged_into. A merge runs under an
// exclusive lock keyed on the target's canonical id, and the store applies it
// in one transaction. Audit and event delivery happen after commit and never
// fail the merge.
package merge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
)

// Store performs the consolidation. ConsolidatePrimary must be atomic and
// should return an apperr.KindExternalDependency error when the procedure
// itself is unavailable, which makes the coordinator try ConsolidateFallback.
type Store interface {
	canonical.Source
	ConsolidatePrimary(ctx context.Context, req models.ConsolidateRequest, merge models.FieldMerger) (*models.MergeOutcome, error)
	ConsolidateFallback(ctx context.Context, req models.ConsolidateRequest) (*models.MergeOutcome, error)
}

type AuditSink interface {
	Record(ctx context.Context, entry models.AuditEntry)
}

type Coordinator struct {
	store     Store
	resolver  *canonical.Resolver
	locker    Locker
	audit     AuditSink
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewCoordinator(store Store, maxDepth int, locker Locker, audit AuditSink, publisher events.Publisher, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		resolver:  canonical.NewResolver(store, maxDepth),
		locker:    locker,
		audit:     audit,
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

func (c *Coordinator) Resolver() *canonical.Resolver { return c.resolver }

// Merge folds duplicates into target within orgID and returns the outcome.
func (c *Coordinator) Merge(ctx context.Context, orgID, target uuid.UUID, duplicates []uuid.UUID, actor models.Actor) (*models.MergeOutcome, error) {
	started := time.Now()

	if err := validateInput(orgID, target, duplicates, actor); err != nil {
		c.metrics.ObserveMerge(metrics.MergeRejected, 0, time.Since(started))
		return nil, err
	}

	canonTarget, _, err := c.canonicalize(ctx, orgID, target, duplicates)
	if err != nil {
		c.metrics.ObserveMerge(metrics.MergeRejected, 0, time.Since(started))
		return nil, err
	}

	lockWait := time.Now()
	release, err := c.locker.Acquire(ctx, lockKey(orgID, canonTarget))
	c.metrics.ObserveLockWait(time.Since(lockWait), err == nil)
	if err != nil {
		c.metrics.ObserveMerge(metrics.MergeRejected, 0, time.Since(started))
		if errors.Is(err, apperr.ErrLockTimeout) {
			return nil, &apperr.Error{
				Kind:    apperr.KindConflict,
				Message: "another merge into this participant is in progress, retry later",
				Details: map[string]any{"target_id": canonTarget},
				Err:     err,
			}
		}
		return nil, apperr.ExternalDependency(err, "acquire merge lock")
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			c.log.Warn("failed to release merge lock", zap.String("target_id", canonTarget.String()), zap.Error(err))
		}
	}()

	// the chain may have moved while we waited for the lock
	again, againDups, err := c.canonicalize(ctx, orgID, target, duplicates)
	if err != nil {
		c.metrics.ObserveMerge(metrics.MergeRejected, 0, time.Since(started))
		return nil, err
	}
	if again != canonTarget {
		c.metrics.ObserveMerge(metrics.MergeRejected, 0, time.Since(started))
		return nil, apperr.Conflict("target %s was merged into %s concurrently, retry with the new id", target, again).
			WithDetails(map[string]any{"target_id": target, "canonical_id": again})
	}

	req := models.ConsolidateRequest{OrgID: orgID, TargetID: canonTarget, Duplicates: againDups, Actor: actor}
	outcome, err := c.consolidate(ctx, req)
	if err != nil {
		c.metrics.ObserveMerge(metrics.MergeFailed, 0, time.Since(started))
		return nil, err
	}

	outcome.TargetID = canonTarget
	if outcome.MergedIDs == nil {
		outcome.MergedIDs = againDups
	}
	if outcome.Conflicts == nil {
		outcome.Conflicts = []models.FieldConflict{}
	}
	if outcome.ChangedFields == nil {
		outcome.ChangedFields = []string{}
	}

	result := metrics.MergePrimary
	if outcome.Degraded {
		result = metrics.MergeDegraded
	}
	c.metrics.ObserveMerge(result, len(outcome.Conflicts), time.Since(started))

	c.log.Info("participants merged",
		zap.String("org_id", orgID.String()),
		zap.String("target_id", canonTarget.String()),
		zap.Int("duplicates", len(outcome.MergedIDs)),
		zap.Int("conflicts", len(outcome.Conflicts)),
		zap.Bool("degraded", outcome.Degraded),
	)

	c.recordAudit(ctx, orgID, actor, outcome)
	c.publish(ctx, orgID, actor, outcome)
	return outcome, nil
}

func validateInput(orgID, target uuid.UUID, duplicates []uuid.UUID, actor models.Actor) error {
	if orgID == uuid.Nil {
		return apperr.Validation("org_id is required")
	}
	if target == uuid.Nil {
		return apperr.Validation("target_id is required")
	}
	if len(duplicates) == 0 {
		return apperr.Validation("at least one duplicate id is required")
	}
	for _, d := range duplicates {
		if d == uuid.Nil {
			return apperr.Validation("duplicate ids must not be empty")
		}
		if d == target {
			return apperr.Conflict("cannot merge participant %s into itself", target).
				WithDetails(map[string]any{"target_id": target})
		}
	}
	if !models.IsValidActorType(actor.Type) {
		return apperr.Validation("invalid actor type %q", actor.Type)
	}
	return nil
}

// canonicalize resolves target and duplicates against one graph snapshot and
// drops duplicates that collapse onto the same canonical id.
func (c *Coordinator) canonicalize(ctx context.Context, orgID, target uuid.UUID, duplicates []uuid.UUID) (uuid.UUID, []uuid.UUID, error) {
	ids := append([]uuid.UUID{target}, duplicates...)
	resolved, err := c.resolver.ResolveMany(ctx, orgID, ids)
	if err != nil {
		return uuid.Nil, nil, err
	}

	canonTarget := resolved[target]
	seen := make(map[uuid.UUID]struct{}, len(duplicates))
	out := make([]uuid.UUID, 0, len(duplicates))
	for _, d := range duplicates {
		cd := resolved[d]
		if cd == canonTarget {
			return uuid.Nil, nil, apperr.Conflict("participant %s is already the same identity as %s", d, target).
				WithDetails(map[string]any{"target_id": target, "duplicate_id": d, "canonical_id": canonTarget})
		}
		if _, dup := seen[cd]; dup {
			continue
		}
		seen[cd] = struct{}{}
		out = append(out, cd)
	}
	return canonTarget, out, nil
}

func (c *Coordinator) consolidate(ctx context.Context, req models.ConsolidateRequest) (*models.MergeOutcome, error) {
	outcome, err := c.store.ConsolidatePrimary(ctx, req, MergeFields)
	if err == nil {
		return outcome, nil
	}
	if !apperr.Is(err, apperr.KindExternalDependency) {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apperr.Persistence(err, "merge participants")
	}

	c.log.Warn("primary merge unavailable, running degraded merge without conflict detection",
		zap.String("org_id", req.OrgID.String()),
		zap.String("target_id", req.TargetID.String()),
		zap.Int("duplicates", len(req.Duplicates)),
		zap.Error(err),
	)

	outcome, ferr := c.store.ConsolidateFallback(ctx, req)
	if ferr != nil {
		c.log.Error("degraded merge failed",
			zap.String("target_id", req.TargetID.String()),
			zap.NamedError("primary_error", err),
			zap.Error(ferr),
		)
		return nil, apperr.Persistence(errors.Join(err, ferr), "merge participants: primary and fallback procedures failed").
			WithDetails(map[string]any{"target_id": req.TargetID})
	}
	outcome.Degraded = true
	return outcome, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, orgID uuid.UUID, actor models.Actor, o *models.MergeOutcome) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, models.AuditEntry{
		OrgID:         orgID,
		ParticipantID: o.TargetID,
		ActorID:       actor.ID,
		ActorType:     actor.Type,
		Source:        models.AuditSourceMerge,
		Action:        models.AuditMerge,
		Changes: map[string]any{
			"merged_ids":     o.MergedIDs,
			"conflicts":      o.Conflicts,
			"changed_fields": o.ChangedFields,
			"degraded":       o.Degraded,
		},
	})
}

func (c *Coordinator) publish(ctx context.Context, orgID uuid.UUID, actor models.Actor, o *models.MergeOutcome) {
	if c.publisher == nil {
		return
	}
	ev := events.NewParticipantMerged(orgID, actor, o)
	if err := c.publisher.Publish(ctx, events.StreamIdentity, ev); err != nil {
		c.log.Warn("failed to publish merge event", zap.String("target_id", o.TargetID.String()), zap.Error(err))
	}
}
