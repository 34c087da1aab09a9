package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/models"
)

// MergeRepo consolidates participants. ConsolidatePrimary runs the field
// policy in Go inside one transaction; ConsolidateFallback calls the
// merge_participants_basic procedure.
type MergeRepo struct {
	pool *pgxpool.Pool
}

func NewMergeRepo(pool *pgxpool.Pool) *MergeRepo {
	return &MergeRepo{pool: pool}
}

func (r *MergeRepo) MergeGraph(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID, maxDepth int) (canonical.Graph, error) {
	return mergeGraph(ctx, r.pool, orgID, ids, maxDepth)
}

type pendingConflict struct {
	duplicateID uuid.UUID
	models.FieldConflict
}

func (r *MergeRepo) ConsolidatePrimary(ctx context.Context, req models.ConsolidateRequest, merge models.FieldMerger) (*models.MergeOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPgError(err, "begin merge")
	}
	defer tx.Rollback(ctx)

	locked, err := lockParticipants(ctx, tx, req.OrgID, append([]uuid.UUID{req.TargetID}, req.Duplicates...))
	if err != nil {
		return nil, err
	}
	target := locked[req.TargetID]

	outcome := &models.MergeOutcome{
		TargetID:      req.TargetID,
		MergedIDs:     req.Duplicates,
		Conflicts:     []models.FieldConflict{},
		ChangedFields: []string{},
	}
	var pending []pendingConflict
	seenChanged := make(map[string]struct{})
	for _, d := range req.Duplicates {
		conflicts, changed := merge(target, locked[d])
		for _, c := range conflicts {
			pending = append(pending, pendingConflict{duplicateID: d, FieldConflict: c})
			outcome.Conflicts = append(outcome.Conflicts, c)
		}
		for _, f := range changed {
			if _, ok := seenChanged[f]; !ok {
				seenChanged[f] = struct{}{}
				outcome.ChangedFields = append(outcome.ChangedFields, f)
			}
		}
	}

	// pointers first, so the target can take over a unique tg_user_id
	_, err = tx.Exec(ctx, `
		UPDATE participants SET merged_into = $2, status = 'merged', updated_at = now()
		WHERE org_id = $1 AND id = ANY($3)
	`, req.OrgID, req.TargetID, req.Duplicates)
	if err != nil {
		return nil, classifyPgError(err, "set merge pointers")
	}
	if err := flattenPointers(ctx, tx, req.OrgID, req.TargetID, req.Duplicates); err != nil {
		return nil, classifyPgError(err, "re-point merged records")
	}

	_, err = tx.Exec(ctx, `
		UPDATE participants
		SET full_name = $2, tg_first_name = $3, tg_last_name = $4, username = $5, tg_user_id = $6,
		    email = $7, phone = $8, bio = $9, last_activity_at = $10, updated_at = now()
		WHERE id = $1
	`, target.ID, target.FullName, target.TgFirstName, target.TgLastName, target.Username, target.TgUserID,
		target.Email, target.Phone, target.Bio, target.LastActivityAt)
	if err != nil {
		return nil, classifyPgError(err, "update merge target")
	}

	for _, d := range req.Duplicates {
		if err := repoint(ctx, tx, req.TargetID, d); err != nil {
			return nil, classifyPgError(err, "re-point records of "+d.String())
		}
	}

	for _, c := range pending {
		_, err = tx.Exec(ctx, `
			INSERT INTO merge_conflicts (org_id, participant_id, duplicate_id, field, kept_value, discarded_value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, req.OrgID, req.TargetID, c.duplicateID, c.Field, c.KeptValue, c.DiscardedValue)
		if err != nil {
			return nil, classifyPgError(err, "record merge conflict")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err, "commit merge")
	}
	return outcome, nil
}

// lockParticipants locks the rows in id order and checks they are still
// canonical members of the org.
func lockParticipants(ctx context.Context, tx pgx.Tx, orgID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*models.Participant, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+participantColumns+`
		FROM participants WHERE org_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, orgID, ids)
	if err != nil {
		return nil, classifyPgError(err, "lock participants")
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*models.Participant, len(ids))
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classifyPgError(err, "scan participant")
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err, "lock participants")
	}

	for _, id := range ids {
		p, ok := out[id]
		if !ok {
			return nil, apperr.NotFound("participant %s not found", id).WithDetails(map[string]any{"participant_id": id})
		}
		if !p.IsCanonical() {
			return nil, apperr.Conflict("participant %s was merged into %s concurrently, retry", id, *p.MergedInto).
				WithDetails(map[string]any{"participant_id": id, "merged_into": *p.MergedInto})
		}
	}
	return out, nil
}

// flattenPointers re-points records that were merged into one of dups so that
// every merge chain stays one hop long.
func flattenPointers(ctx context.Context, tx pgx.Tx, orgID, target uuid.UUID, dups []uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE participants SET merged_into = $2, updated_at = now()
		WHERE org_id = $1 AND merged_into = ANY($3)
	`, orgID, target, dups)
	return err
}

// repoint moves everything that references dup onto target. Rows the target
// already has an equivalent of are dropped.
func repoint(ctx context.Context, tx pgx.Tx, target, dup uuid.UUID) error {
	stmts := []string{
		`INSERT INTO participant_interactions (participant_id, org_id, chat_id, author_key, message_count, first_seen_at, last_seen_at, batch_id)
		 SELECT $1, org_id, chat_id, author_key, message_count, first_seen_at, last_seen_at, batch_id
		 FROM participant_interactions WHERE participant_id = $2
		 ON CONFLICT (participant_id, chat_id, author_key) DO UPDATE
		 SET message_count = GREATEST(participant_interactions.message_count, EXCLUDED.message_count),
		     first_seen_at = LEAST(participant_interactions.first_seen_at, EXCLUDED.first_seen_at),
		     last_seen_at = GREATEST(participant_interactions.last_seen_at, EXCLUDED.last_seen_at)`,
		`DELETE FROM participant_interactions WHERE participant_id = $2`,

		`INSERT INTO participant_traits (participant_id, key, value, source, created_at)
		 SELECT $1, key, value, source, created_at FROM participant_traits WHERE participant_id = $2
		 ON CONFLICT DO NOTHING`,
		`DELETE FROM participant_traits WHERE participant_id = $2`,

		`UPDATE event_registrations r SET participant_id = $1
		 WHERE r.participant_id = $2
		   AND NOT EXISTS (SELECT 1 FROM event_registrations x WHERE x.event_id = r.event_id AND x.participant_id = $1)`,
		`DELETE FROM event_registrations WHERE participant_id = $2`,

		`INSERT INTO participant_groups (participant_id, chat_id, joined_at, last_seen_at)
		 SELECT $1, chat_id, joined_at, last_seen_at FROM participant_groups WHERE participant_id = $2
		 ON CONFLICT (participant_id, chat_id) DO UPDATE
		 SET joined_at = LEAST(participant_groups.joined_at, EXCLUDED.joined_at),
		     last_seen_at = GREATEST(participant_groups.last_seen_at, EXCLUDED.last_seen_at)`,
		`DELETE FROM participant_groups WHERE participant_id = $2`,

		`UPDATE participant_external_ids e SET participant_id = $1, updated_at = now()
		 WHERE e.participant_id = $2
		   AND NOT EXISTS (SELECT 1 FROM participant_external_ids x WHERE x.participant_id = $1 AND x.system = e.system)`,
		`DELETE FROM participant_external_ids WHERE participant_id = $2`,

		`UPDATE import_author_links SET participant_id = $1 WHERE participant_id = $2`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s, target, dup); err != nil {
			return err
		}
	}
	return nil
}

// ConsolidateFallback runs the plain SQL merge: fields are only filled where
// the target is empty and no conflicts are reported.
func (r *MergeRepo) ConsolidateFallback(ctx context.Context, req models.ConsolidateRequest) (*models.MergeOutcome, error) {
	var merged []uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT merge_participants_basic($1, $2, $3)`,
		req.OrgID, req.TargetID, req.Duplicates).Scan(&merged)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "P0002" {
			return nil, apperr.Conflict("%s", pgErr.Message)
		}
		return nil, classifyPgError(err, "fallback merge")
	}
	return &models.MergeOutcome{
		TargetID:      req.TargetID,
		MergedIDs:     merged,
		Conflicts:     []models.FieldConflict{},
		ChangedFields: []string{},
	}, nil
}

// PendingConflicts returns conflicts nobody has been told about yet, oldest
// first, across all orgs.
func (r *MergeRepo) PendingConflicts(ctx context.Context, limit int) ([]models.MergeConflictRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, participant_id, duplicate_id, field, kept_value, discarded_value,
		       created_at, notified_at, resolved_at
		FROM merge_conflicts
		WHERE notified_at IS NULL AND resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MergeConflictRecord
	for rows.Next() {
		var c models.MergeConflictRecord
		if err := rows.Scan(&c.ID, &c.OrgID, &c.ParticipantID, &c.DuplicateID, &c.Field, &c.KeptValue,
			&c.DiscardedValue, &c.CreatedAt, &c.NotifiedAt, &c.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *MergeRepo) MarkNotified(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE merge_conflicts SET notified_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// classifyPgError marks errors that mean the database could not run the
// procedure (as opposed to rejecting the data) as external dependency
// failures, which lets the coordinator fall back.
func classifyPgError(err error, op string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound("%s: participant not found", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "55P03", // lock_not_available
			pgErr.Code == "57014", // query_canceled (statement_timeout)
			pgErr.Code == "57P01", // admin_shutdown
			strings.HasPrefix(pgErr.Code, "08"):
			return apperr.ExternalDependency(err, "%s", op)
		case pgErr.Code == "23505":
			return apperr.Conflict("%s: %s", op, pgErr.Detail)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperr.ExternalDependency(err, "%s", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
