package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/participant-hub/identity/internal/models"
)

// AuditRepo only ever inserts and reads participant_audit_log.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Insert(ctx context.Context, e models.AuditEntry) error {
	var changes []byte
	if e.Changes != nil {
		b, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("encode audit changes: %w", err)
		}
		changes = b
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO participant_audit_log (id, org_id, participant_id, actor_id, actor_type, source, action, changes, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.OrgID, e.ParticipantID, e.ActorID, e.ActorType, e.Source, e.Action, changes, e.BatchID, e.CreatedAt)
	return err
}

func (r *AuditRepo) ListByParticipants(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, participant_id, actor_id, actor_type, source, action, changes, batch_id, created_at
		FROM participant_audit_log
		WHERE org_id = $1 AND participant_id = ANY($2)
		ORDER BY created_at, id
	`, orgID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var changes []byte
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ParticipantID, &e.ActorID, &e.ActorType, &e.Source, &e.Action,
			&changes, &e.BatchID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &e.Changes); err != nil {
				return nil, fmt.Errorf("decode audit changes of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
