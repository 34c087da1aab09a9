package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/models"
)

const memberColumns = `org_id, telegram_user_id, user_id, role, username, first_name, last_name, created_at, last_active_at`

type MemberRepo struct {
	pool *pgxpool.Pool
}

func NewMemberRepo(pool *pgxpool.Pool) *MemberRepo {
	return &MemberRepo{pool: pool}
}

func scanMember(row pgx.Row) (*models.OrgMember, error) {
	var m models.OrgMember
	err := row.Scan(&m.OrgID, &m.TelegramUserID, &m.UserID, &m.Role, &m.Username, &m.FirstName, &m.LastName, &m.CreatedAt, &m.LastActiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// Grant adds a member or changes the role of an existing one.
func (r *MemberRepo) Grant(ctx context.Context, orgID uuid.UUID, telegramID int64, role string) (*models.OrgMember, error) {
	return scanMember(r.pool.QueryRow(ctx, `
		INSERT INTO org_members (org_id, telegram_user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, telegram_user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING `+memberColumns,
		orgID, telegramID, role))
}

// Revoke removes a member. Removing someone who is not a member is not an error.
func (r *MemberRepo) Revoke(ctx context.Context, orgID uuid.UUID, telegramID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM org_members WHERE org_id = $1 AND telegram_user_id = $2`, orgID, telegramID)
	return err
}

// Touch records a sign-in and refreshes the Telegram profile. It returns
// apperr.ErrNotFound when the user is not a member of the organization.
func (r *MemberRepo) Touch(ctx context.Context, orgID uuid.UUID, telegramID int64, username, firstName, lastName *string) (*models.OrgMember, error) {
	return scanMember(r.pool.QueryRow(ctx, `
		UPDATE org_members SET
			username = COALESCE($3, username),
			first_name = COALESCE($4, first_name),
			last_name = COALESCE($5, last_name),
			last_active_at = now()
		WHERE org_id = $1 AND telegram_user_id = $2
		RETURNING `+memberColumns,
		orgID, telegramID, username, firstName, lastName))
}

func (r *MemberRepo) ListByOrg(ctx context.Context, orgID uuid.UUID) ([]models.OrgMember, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+memberColumns+` FROM org_members WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OrgMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
