package models

import (
	"time"

	"github.com/google/uuid"
)

// OrgMember is an operator allowed to sign in to one organization.
type OrgMember struct {
	OrgID          uuid.UUID  `json:"org_id"`
	TelegramUserID int64      `json:"telegram_user_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Role           string     `json:"role"`
	Username       *string    `json:"username,omitempty"`
	FirstName      *string    `json:"first_name,omitempty"`
	LastName       *string    `json:"last_name,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
}
