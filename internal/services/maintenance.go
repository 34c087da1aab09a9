package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/models"
)

type PointerStore interface {
	ListOrgIDs(ctx context.Context) ([]uuid.UUID, error)
	AllPointers(ctx context.Context, orgID uuid.UUID) (canonical.Graph, error)
}

// BrokenChain is a record whose merge pointers do not end at a canonical
// participant.
type BrokenChain struct {
	OrgID         uuid.UUID `json:"org_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Reason        string    `json:"reason"` // cycle / too_deep / dangling
	Err           string    `json:"error"`
}

// IntegrityScanner walks every merge pointer and reports chains the resolver
// cannot follow. It never writes.
type IntegrityScanner struct {
	store    PointerStore
	maxDepth int
	log      *zap.Logger
}

func NewIntegrityScanner(store PointerStore, maxDepth int, log *zap.Logger) *IntegrityScanner {
	if maxDepth <= 0 {
		maxDepth = canonical.DefaultMaxDepth
	}
	return &IntegrityScanner{store: store, maxDepth: maxDepth, log: log}
}

// ScanOrg checks one organization.
func (s *IntegrityScanner) ScanOrg(ctx context.Context, orgID uuid.UUID) ([]BrokenChain, error) {
	g, err := s.store.AllPointers(ctx, orgID)
	if err != nil {
		return nil, apperr.Persistence(err, "load merge pointers of %s", orgID)
	}

	var broken []BrokenChain
	for id, parent := range g {
		if parent == nil {
			continue
		}
		if _, err := canonical.Resolve(g, id, s.maxDepth); err != nil {
			b := BrokenChain{OrgID: orgID, ParticipantID: id, Reason: chainFault(err), Err: err.Error()}
			s.log.Error("broken merge chain",
				zap.String("org_id", orgID.String()),
				zap.String("participant_id", id.String()),
				zap.String("reason", b.Reason),
				zap.Error(err),
			)
			broken = append(broken, b)
		}
	}
	sort.Slice(broken, func(i, j int) bool {
		return broken[i].ParticipantID.String() < broken[j].ParticipantID.String()
	})
	return broken, nil
}

// ScanAll checks every organization, a few at a time.
func (s *IntegrityScanner) ScanAll(ctx context.Context) ([]BrokenChain, error) {
	orgs, err := s.store.ListOrgIDs(ctx)
	if err != nil {
		return nil, apperr.Persistence(err, "list organizations")
	}

	results := make([][]BrokenChain, len(orgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, orgID := range orgs {
		g.Go(func() error {
			broken, err := s.ScanOrg(gctx, orgID)
			if err != nil {
				return err
			}
			results[i] = broken
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []BrokenChain
	for _, r := range results {
		all = append(all, r...)
	}
	s.log.Info("integrity scan finished", zap.Int("orgs", len(orgs)), zap.Int("broken", len(all)))
	return all, nil
}

func chainFault(err error) string {
	switch {
	case errors.Is(err, apperr.ErrCycle):
		return "cycle"
	case errors.Is(err, apperr.ErrTooDeep):
		return "too_deep"
	default:
		return "dangling"
	}
}

type ConflictStore interface {
	PendingConflicts(ctx context.Context, limit int) ([]models.MergeConflictRecord, error)
	MarkNotified(ctx context.Context, ids []uuid.UUID) error
}

// ConflictDigest tells operators about merge conflicts nobody has reviewed.
// One message per organization and recipient goes out on the bot stream.
type ConflictDigest struct {
	store      ConflictStore
	publisher  events.Publisher
	recipients []int64
	log        *zap.Logger
}

func NewConflictDigest(store ConflictStore, publisher events.Publisher, recipients []int64, log *zap.Logger) *ConflictDigest {
	return &ConflictDigest{store: store, publisher: publisher, recipients: recipients, log: log}
}

// Run sends one digest round and returns how many conflicts it covered.
// Conflicts stay pending when no recipient is configured or publishing fails.
func (d *ConflictDigest) Run(ctx context.Context) (int, error) {
	if len(d.recipients) == 0 {
		return 0, nil
	}
	pending, err := d.store.PendingConflicts(ctx, 500)
	if err != nil {
		return 0, apperr.Persistence(err, "load pending merge conflicts")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	byOrg := make(map[uuid.UUID][]models.MergeConflictRecord)
	var orgs []uuid.UUID
	for _, c := range pending {
		if _, ok := byOrg[c.OrgID]; !ok {
			orgs = append(orgs, c.OrgID)
		}
		byOrg[c.OrgID] = append(byOrg[c.OrgID], c)
	}

	covered := 0
	for _, orgID := range orgs {
		list := byOrg[orgID]
		text := digestText(orgID, list)

		sent := true
		for _, tgID := range d.recipients {
			if err := d.publisher.Publish(ctx, events.StreamBot, events.NewBotNotification(orgID, tgID, text)); err != nil {
				d.log.Warn("failed to publish conflict digest",
					zap.String("org_id", orgID.String()),
					zap.Int64("telegram_user_id", tgID),
					zap.Error(err),
				)
				sent = false
			}
		}
		if !sent {
			continue
		}

		ids := make([]uuid.UUID, len(list))
		for i, c := range list {
			ids[i] = c.ID
		}
		if err := d.store.MarkNotified(ctx, ids); err != nil {
			return covered, apperr.Persistence(err, "mark merge conflicts notified")
		}
		covered += len(list)
	}

	d.log.Info("conflict digest sent", zap.Int("conflicts", covered), zap.Int("orgs", len(orgs)))
	return covered, nil
}

func digestText(orgID uuid.UUID, list []models.MergeConflictRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved merge conflict(s) in org %s:\n", len(list), orgID)
	const shown = 10
	for i, c := range list {
		if i == shown {
			fmt.Fprintf(&b, "... and %d more", len(list)-shown)
			break
		}
		fmt.Fprintf(&b, "- %s on %s: kept %q, discarded %q\n", c.Field, c.ParticipantID, c.KeptValue, c.DiscardedValue)
	}
	return strings.TrimRight(b.String(), "\n")
}
