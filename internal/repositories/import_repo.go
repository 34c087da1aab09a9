package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/models"
)

// Per-author results of ApplyAuthor.
const (
	AppliedCreated = "created"
	AppliedMerged  = "merged"
	AppliedReused  = "reused"
)

// ErrLinkRace means another import linked the same author first. Retrying
// the author picks up the winner's link.
var ErrLinkRace = errors.New("import author linked concurrently")

type ImportRepo struct {
	pool     *pgxpool.Pool
	maxDepth int
}

func NewImportRepo(pool *pgxpool.Pool, maxDepth int) *ImportRepo {
	return &ImportRepo{pool: pool, maxDepth: maxDepth}
}

func (r *ImportRepo) CreateBatch(ctx context.Context, b *models.ImportBatch) error {
	b.Status = models.ImportStatusImporting
	return r.pool.QueryRow(ctx, `
		INSERT INTO import_batches (org_id, chat_id, file_name, total_authors, status, imported_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, b.OrgID, b.ChatID, b.FileName, b.TotalAuthors, b.Status, b.ImportedBy).Scan(&b.ID, &b.CreatedAt)
}

func (r *ImportRepo) FinishBatch(ctx context.Context, id uuid.UUID, status string, res models.ApplyResult) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE import_batches
		SET status = $2, created = $3, merged = $4, skipped = $5, reused = $6, finished_at = now()
		WHERE id = $1
	`, id, status, res.Created, res.Merged, res.Skipped, res.Reused)
	return err
}

// AuthorApply is one reviewed author to persist. TargetID must be canonical
// and is only set for merge decisions.
type AuthorApply struct {
	OrgID    uuid.UUID
	BatchID  uuid.UUID
	ChatID   int64
	Author   models.ImportedAuthor
	Action   string
	TargetID uuid.UUID
}

type AppliedAuthor struct {
	ParticipantID uuid.UUID
	Result        string
	Changed       []string
}

// ApplyAuthor attaches one author to a participant in a single transaction.
// The (org, chat, author key) link makes it idempotent: a second run finds
// the link, rewrites the same interaction totals and reports reused.
func (r *ImportRepo) ApplyAuthor(ctx context.Context, in AuthorApply) (*AppliedAuthor, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	key := in.Author.Key()
	var out *AppliedAuthor

	var linked uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT participant_id FROM import_author_links
		WHERE org_id = $1 AND chat_id = $2 AND author_key = $3
		FOR UPDATE
	`, in.OrgID, in.ChatID, key).Scan(&linked)
	switch {
	case err == nil:
		pid, err := r.canonicalOf(ctx, tx, in.OrgID, linked)
		if err != nil {
			return nil, err
		}
		out = &AppliedAuthor{ParticipantID: pid, Result: AppliedReused}
	case errors.Is(err, pgx.ErrNoRows):
		out, err = r.attach(ctx, tx, in)
		if err != nil {
			return nil, err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO import_author_links (org_id, chat_id, author_key, participant_id, batch_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, in.OrgID, in.ChatID, key, out.ParticipantID, in.BatchID)
		if err != nil {
			return nil, fmt.Errorf("link author %q: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrLinkRace
		}
	default:
		return nil, fmt.Errorf("lookup author link %q: %w", key, err)
	}

	if err := recordActivity(ctx, tx, out.ParticipantID, in, key); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalOf follows merges that happened after the link was written.
func (r *ImportRepo) canonicalOf(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID) (uuid.UUID, error) {
	g, err := mergeGraph(ctx, tx, orgID, []uuid.UUID{id}, r.maxDepth)
	if err != nil {
		return uuid.Nil, err
	}
	return canonical.Resolve(g, id, r.maxDepth)
}

func (r *ImportRepo) attach(ctx context.Context, tx pgx.Tx, in AuthorApply) (*AppliedAuthor, error) {
	a := in.Author
	handle := models.NormalizeHandle(a.Handle)

	// one canonical record per platform user: reuse it instead of creating a twin
	var owner *uuid.UUID
	if a.ExternalID != nil {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM participants
			WHERE org_id = $1 AND tg_user_id = $2 AND merged_into IS NULL
			FOR UPDATE
		`, in.OrgID, *a.ExternalID).Scan(&id)
		switch {
		case err == nil:
			owner = &id
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("lookup participant by external id: %w", err)
		}
	}

	if in.Action == models.ActionMerge {
		return r.attachToTarget(ctx, tx, in, handle, owner)
	}
	if owner != nil {
		return &AppliedAuthor{ParticipantID: *owner, Result: AppliedReused}, nil
	}

	first, last := a.SplitName()
	name := a.Name
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO participants (org_id, full_name, tg_first_name, tg_last_name, username, tg_user_id, source, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, tg_user_id) WHERE merged_into IS NULL AND tg_user_id IS NOT NULL DO NOTHING
		RETURNING id
	`, in.OrgID, &name, &first, last, handle, a.ExternalID, models.SourceImport, nullTime(a.LastSeenAt)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost an insert race on tg_user_id; the winner is the identity
		err = tx.QueryRow(ctx, `
			SELECT id FROM participants WHERE org_id = $1 AND tg_user_id = $2 AND merged_into IS NULL
		`, in.OrgID, a.ExternalID).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("load concurrently created participant: %w", err)
		}
		return &AppliedAuthor{ParticipantID: id, Result: AppliedReused}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create participant: %w", err)
	}
	return &AppliedAuthor{ParticipantID: id, Result: AppliedCreated}, nil
}

// attachToTarget fills the target's empty platform fields from the author.
// tg_user_id is only taken when no other canonical record owns it.
func (r *ImportRepo) attachToTarget(ctx context.Context, tx pgx.Tx, in AuthorApply, handle *string, owner *uuid.UUID) (*AppliedAuthor, error) {
	target, err := scanParticipant(tx.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants WHERE org_id = $1 AND id = $2
		FOR UPDATE
	`, in.OrgID, in.TargetID))
	if err != nil {
		return nil, fmt.Errorf("lock import target %s: %w", in.TargetID, err)
	}
	if !target.IsCanonical() {
		return nil, apperr.Conflict("merge target %s was merged into %s concurrently, retry", in.TargetID, *target.MergedInto).
			WithDetails(map[string]any{"participant_id": in.TargetID, "merged_into": *target.MergedInto})
	}

	first, last := in.Author.SplitName()
	var changed []string
	if target.Username == nil && handle != nil {
		target.Username = handle
		changed = append(changed, "username")
	}
	if target.TgUserID == nil && in.Author.ExternalID != nil && owner == nil {
		target.TgUserID = in.Author.ExternalID
		changed = append(changed, "tg_user_id")
	}
	if target.TgFirstName == nil && first != "" {
		target.TgFirstName = &first
		changed = append(changed, "tg_first_name")
	}
	if target.TgLastName == nil && last != nil {
		target.TgLastName = last
		changed = append(changed, "tg_last_name")
	}

	if len(changed) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE participants
			SET username = $2, tg_user_id = $3, tg_first_name = $4, tg_last_name = $5, updated_at = now()
			WHERE id = $1
		`, target.ID, target.Username, target.TgUserID, target.TgFirstName, target.TgLastName)
		if err != nil {
			return nil, fmt.Errorf("update import target: %w", err)
		}
	}
	return &AppliedAuthor{ParticipantID: target.ID, Result: AppliedMerged, Changed: changed}, nil
}

// recordActivity sets, never adds, the author's totals for this chat.
func recordActivity(ctx context.Context, tx pgx.Tx, participantID uuid.UUID, in AuthorApply, key string) error {
	a := in.Author
	first, last := nullTime(a.FirstSeenAt), nullTime(a.LastSeenAt)

	_, err := tx.Exec(ctx, `
		INSERT INTO participant_interactions (participant_id, org_id, chat_id, author_key, message_count, first_seen_at, last_seen_at, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (participant_id, chat_id, author_key) DO UPDATE
		SET message_count = EXCLUDED.message_count,
		    first_seen_at = EXCLUDED.first_seen_at,
		    last_seen_at = EXCLUDED.last_seen_at,
		    batch_id = EXCLUDED.batch_id,
		    updated_at = now()
	`, participantID, in.OrgID, in.ChatID, key, a.InteractionCount, first, last, in.BatchID)
	if err != nil {
		return fmt.Errorf("record interactions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO participant_groups (participant_id, chat_id, joined_at, last_seen_at)
		VALUES ($1, $2, COALESCE($3, now()), $4)
		ON CONFLICT (participant_id, chat_id) DO UPDATE
		SET last_seen_at = GREATEST(participant_groups.last_seen_at, EXCLUDED.last_seen_at)
	`, participantID, in.ChatID, first, last)
	if err != nil {
		return fmt.Errorf("record group membership: %w", err)
	}

	if last != nil {
		_, err = tx.Exec(ctx, `
			UPDATE participants SET last_activity_at = GREATEST(COALESCE(last_activity_at, $2), $2)
			WHERE id = $1
		`, participantID, *last)
		if err != nil {
			return fmt.Errorf("touch last activity: %w", err)
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
