// Package audit records identity mutations after they commit.
//
// Recording is best-effort: a failed write is logged and counted, never
// returned to the caller, and never rolls back the mutation it describes.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
)

const writeTimeout = 5 * time.Second

type Store interface {
	Insert(ctx context.Context, entry models.AuditEntry) error
	// ListByParticipants returns entries recorded against any of ids.
	ListByParticipants(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]models.AuditEntry, error)
}

// Lineage answers which records have been folded into a canonical participant.
type Lineage interface {
	Resolve(ctx context.Context, orgID, id uuid.UUID) (uuid.UUID, error)
	Members(ctx context.Context, orgID, canonicalID uuid.UUID) ([]uuid.UUID, error)
}

type Recorder struct {
	store   Store
	lineage Lineage
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewRecorder(store Store, lineage Lineage, m *metrics.Metrics, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, lineage: lineage, metrics: m, log: log, now: time.Now}
}

// Record appends entry. It runs detached from ctx cancellation so an aborted
// request still gets its audit line.
func (r *Recorder) Record(ctx context.Context, entry models.AuditEntry) {
	if err := validate(entry); err != nil {
		r.fail(entry, err)
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("audit store panic: %v", p)
			}
		}()
		return r.store.Insert(wctx, entry)
	}()
	if err != nil {
		r.fail(entry, err)
	}
}

func (r *Recorder) fail(entry models.AuditEntry, err error) {
	r.metrics.IncAuditFailures()
	r.log.Warn("audit write failed",
		zap.String("org_id", entry.OrgID.String()),
		zap.String("participant_id", entry.ParticipantID.String()),
		zap.String("action", entry.Action),
		zap.Error(err),
	)
}

func validate(e models.AuditEntry) error {
	if e.OrgID == uuid.Nil || e.ParticipantID == uuid.Nil {
		return fmt.Errorf("audit entry without org or participant")
	}
	if !models.IsValidActorType(e.ActorType) {
		return fmt.Errorf("invalid actor type %q", e.ActorType)
	}
	if !models.IsValidAuditAction(e.Action) {
		return fmt.Errorf("invalid audit action %q", e.Action)
	}
	return nil
}

// Trail returns every entry for the identity that id belongs to, including
// entries written against records later merged into it, oldest first.
func (r *Recorder) Trail(ctx context.Context, orgID, id uuid.UUID) ([]models.AuditEntry, error) {
	canonicalID, err := r.lineage.Resolve(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	members, err := r.lineage.Members(ctx, orgID, canonicalID)
	if err != nil {
		return nil, apperr.Persistence(err, "load merged records of %s", canonicalID)
	}
	ids := append([]uuid.UUID{canonicalID}, members...)

	entries, err := r.store.ListByParticipants(ctx, orgID, ids)
	if err != nil {
		return nil, apperr.Persistence(err, "load audit trail")
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}
