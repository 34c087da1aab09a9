package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/models"
)

const participantColumns = `id, org_id, full_name, tg_first_name, tg_last_name, username, tg_user_id,
	email, phone, bio, status, source, merged_into, last_activity_at, created_at, updated_at`

type ParticipantRepo struct {
	pool *pgxpool.Pool
}

func NewParticipantRepo(pool *pgxpool.Pool) *ParticipantRepo {
	return &ParticipantRepo{pool: pool}
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.OrgID, &p.FullName, &p.TgFirstName, &p.TgLastName, &p.Username, &p.TgUserID,
		&p.Email, &p.Phone, &p.Bio, &p.Status, &p.Source, &p.MergedInto, &p.LastActivityAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *ParticipantRepo) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants WHERE org_id = $1 AND id = $2
	`, orgID, id))
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	return p, nil
}

// ListCandidates returns the canonical participants of an org with their
// total interaction counts. One statement, so one snapshot.
func (r *ParticipantRepo) ListCandidates(ctx context.Context, orgID uuid.UUID) ([]models.Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.full_name, p.tg_first_name, p.tg_last_name, p.username, p.tg_user_id,
		       COALESCE(SUM(i.message_count), 0)::INT, p.last_activity_at
		FROM participants p
		LEFT JOIN participant_interactions i ON i.participant_id = p.id
		WHERE p.org_id = $1 AND p.merged_into IS NULL AND p.status <> 'excluded'
		GROUP BY p.id
		ORDER BY p.created_at, p.id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.FullName, &c.TgFirstName, &c.TgLastName, &c.Username, &c.TgUserID,
			&c.InteractionCount, &c.LastActivityAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ParticipantRepo) Create(ctx context.Context, p *models.Participant) error {
	if p.Status == "" {
		p.Status = models.ParticipantStatusActive
	}
	if p.Source == "" {
		p.Source = models.SourceManual
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO participants (org_id, full_name, tg_first_name, tg_last_name, username, tg_user_id,
		                          email, phone, bio, status, source, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`, p.OrgID, p.FullName, p.TgFirstName, p.TgLastName, p.Username, p.TgUserID,
		p.Email, p.Phone, p.Bio, p.Status, p.Source, p.LastActivityAt).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// Update applies patch to a canonical participant and returns the row before
// and after. merged_into is never touched here.
func (r *ParticipantRepo) Update(ctx context.Context, orgID, id uuid.UUID, patch models.ParticipantPatch) (before, after *models.Participant, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	before, err = scanParticipant(tx.QueryRow(ctx, `
		SELECT `+participantColumns+`
		FROM participants WHERE org_id = $1 AND id = $2 AND merged_into IS NULL
		FOR UPDATE
	`, orgID, id))
	if err != nil {
		return nil, nil, fmt.Errorf("lock participant %s: %w", id, err)
	}

	next := *before
	if patch.FullName != nil {
		next.FullName = emptyToNil(patch.FullName)
	}
	if patch.Username != nil {
		next.Username = models.NormalizeHandle(patch.Username)
	}
	if patch.Email != nil {
		next.Email = models.NormalizeEmail(patch.Email)
	}
	if patch.Phone != nil {
		next.Phone = models.NormalizePhone(patch.Phone)
	}
	if patch.Bio != nil {
		next.Bio = emptyToNil(patch.Bio)
	}
	if patch.Status != nil {
		next.Status = *patch.Status
	}

	after, err = scanParticipant(tx.QueryRow(ctx, `
		UPDATE participants
		SET full_name = $3, username = $4, email = $5, phone = $6, bio = $7, status = $8, updated_at = now()
		WHERE org_id = $1 AND id = $2
		RETURNING `+participantColumns,
		orgID, id, next.FullName, next.Username, next.Email, next.Phone, next.Bio, next.Status))
	if err != nil {
		return nil, nil, fmt.Errorf("update participant %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// MergeGraph loads merge pointers reachable from ids within maxDepth+1 hops,
// which is enough for the resolver to tell a long chain from a complete one.
func (r *ParticipantRepo) MergeGraph(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID, maxDepth int) (canonical.Graph, error) {
	return mergeGraph(ctx, r.pool, orgID, ids, maxDepth)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func mergeGraph(ctx context.Context, q querier, orgID uuid.UUID, ids []uuid.UUID, maxDepth int) (canonical.Graph, error) {
	rows, err := q.Query(ctx, `
		WITH RECURSIVE chain(id, merged_into, depth) AS (
			SELECT id, merged_into, 0 FROM participants
			WHERE org_id = $1 AND id = ANY($2)
			UNION
			SELECT p.id, p.merged_into, c.depth + 1
			FROM participants p
			JOIN chain c ON p.id = c.merged_into
			WHERE p.org_id = $1 AND c.depth <= $3
		)
		SELECT DISTINCT id, merged_into FROM chain
	`, orgID, ids, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("load merge graph: %w", err)
	}
	defer rows.Close()

	g := make(canonical.Graph, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var parent *uuid.UUID
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, err
		}
		g[id] = parent
	}
	return g, rows.Err()
}

// AllPointers returns the whole merge pointer graph of an org.
func (r *ParticipantRepo) AllPointers(ctx context.Context, orgID uuid.UUID) (canonical.Graph, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, merged_into FROM participants WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("load merge pointers: %w", err)
	}
	defer rows.Close()

	g := make(canonical.Graph)
	for rows.Next() {
		var id uuid.UUID
		var parent *uuid.UUID
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, err
		}
		g[id] = parent
	}
	return g, rows.Err()
}

// Members returns every record whose chain ends at canonicalID.
func (r *ParticipantRepo) Members(ctx context.Context, orgID, canonicalID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE folded(id, depth) AS (
			SELECT id, 1 FROM participants WHERE org_id = $1 AND merged_into = $2
			UNION
			SELECT p.id, f.depth + 1
			FROM participants p
			JOIN folded f ON p.merged_into = f.id
			WHERE p.org_id = $1 AND f.depth < 64
		)
		SELECT DISTINCT id FROM folded WHERE id <> $2
	`, orgID, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("load merged records: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOrgIDs returns every organization that has participants.
func (r *ParticipantRepo) ListOrgIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT org_id FROM participants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertExternalID links a canonical participant to an id in another system.
// The previous value, if any, is returned. A taken (system, external_id) pair
// is reported as a conflict.
func (r *ParticipantRepo) UpsertExternalID(ctx context.Context, link models.ExternalIDLink) (previous *string, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var owner uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT participant_id FROM participant_external_ids
		WHERE org_id = $1 AND system = $2 AND external_id = $3
	`, link.OrgID, link.System, link.ExternalID).Scan(&owner)
	switch {
	case err == nil && owner != link.ParticipantID:
		return nil, apperr.Conflict("external id %s/%s already belongs to participant %s", link.System, link.ExternalID, owner).
			WithDetails(map[string]any{"participant_id": owner})
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		SELECT external_id FROM participant_external_ids WHERE participant_id = $1 AND system = $2
	`, link.ParticipantID, link.System).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO participant_external_ids (org_id, participant_id, system, external_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id, system) DO UPDATE
		SET external_id = EXCLUDED.external_id, updated_at = now()
	`, link.OrgID, link.ParticipantID, link.System, link.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("upsert external id: %w", err)
	}
	return previous, tx.Commit(ctx)
}

// ListExternalIDs returns the links of one participant.
func (r *ParticipantRepo) ListExternalIDs(ctx context.Context, participantID uuid.UUID) ([]models.ExternalIDLink, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT org_id, participant_id, system, external_id, updated_at
		FROM participant_external_ids WHERE participant_id = $1 ORDER BY system
	`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ExternalIDLink
	for rows.Next() {
		var l models.ExternalIDLink
		if err := rows.Scan(&l.OrgID, &l.ParticipantID, &l.System, &l.ExternalID, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
