package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Participant statuses
const (
	ParticipantStatusActive   = "active"
	ParticipantStatusMerged   = "merged"
	ParticipantStatusExcluded = "excluded"
)

// Participant sources
const (
	SourceManual    = "manual"
	SourceImport    = "import"
	SourceConnector = "connector"
)

type Participant struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	FullName       *string    `json:"full_name,omitempty"`     // editable display name
	TgFirstName    *string    `json:"tg_first_name,omitempty"` // as provided by the platform
	TgLastName     *string    `json:"tg_last_name,omitempty"`
	Username       *string    `json:"username,omitempty"`
	TgUserID       *int64     `json:"tg_user_id,omitempty"`
	Email          *string    `json:"email,omitempty"`
	Phone          *string    `json:"phone,omitempty"`
	Bio            *string    `json:"bio,omitempty"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	MergedInto     *uuid.UUID `json:"merged_into,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsCanonical reports whether the record is the terminal record of its merge chain.
func (p *Participant) IsCanonical() bool {
	return p.MergedInto == nil
}

// DisplayName returns the editable name, falling back to the platform name.
func (p *Participant) DisplayName() string {
	if p.FullName != nil && strings.TrimSpace(*p.FullName) != "" {
		return strings.TrimSpace(*p.FullName)
	}
	return JoinName(p.TgFirstName, p.TgLastName)
}

// ParticipantPatch is a manual edit. Nil fields are left untouched.
type ParticipantPatch struct {
	FullName *string `json:"full_name,omitempty"`
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Bio      *string `json:"bio,omitempty"`
	Status   *string `json:"status,omitempty"`
}

func (p ParticipantPatch) IsEmpty() bool {
	return p.FullName == nil && p.Username == nil && p.Email == nil &&
		p.Phone == nil && p.Bio == nil && p.Status == nil
}

type Trait struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExternalIDLink ties a participant to an identifier in a third-party system.
type ExternalIDLink struct {
	OrgID         uuid.UUID `json:"org_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	System        string    `json:"system"`
	ExternalID    string    `json:"external_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func JoinName(first, last *string) string {
	var parts []string
	if first != nil && strings.TrimSpace(*first) != "" {
		parts = append(parts, strings.TrimSpace(*first))
	}
	if last != nil && strings.TrimSpace(*last) != "" {
		parts = append(parts, strings.TrimSpace(*last))
	}
	return strings.Join(parts, " ")
}

// ParseExternalID converts a platform user id into int64 regardless of how the
// store, JSON decoder or export file represented it. It is the only place such
// conversions happen.
func ParseExternalID(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("external id is empty")
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("external id %d out of range", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return 0, fmt.Errorf("external id %v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return parseExternalIDString(string(x))
	case string:
		return parseExternalIDString(x)
	case []byte:
		return parseExternalIDString(string(x))
	case *int64:
		if x == nil {
			return 0, fmt.Errorf("external id is empty")
		}
		return *x, nil
	default:
		return 0, fmt.Errorf("unsupported external id type %T", v)
	}
}

func parseExternalIDString(s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "user"):
		s = strings.TrimPrefix(s, "user")
	case strings.HasPrefix(s, "channel"):
		// channel authors are stored negated so they never collide with users
		s = "-" + strings.TrimPrefix(s, "channel")
	}
	if s == "" {
		return 0, fmt.Errorf("external id is empty")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid external id %q: %w", s, err)
	}
	return id, nil
}
