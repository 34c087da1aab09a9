package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Match tiers, ordered by trust.
const (
	TierExactID     = "exact_id"
	TierExactHandle = "exact_handle"
	TierExactName   = "exact_name"
	TierPartialName = "partial_name"
	TierFuzzy       = "fuzzy"
	TierNone        = "none"
)

// Decision actions
const (
	ActionMerge     = "merge"
	ActionCreateNew = "create_new"
	ActionSkip      = "skip"
)

// ImportedAuthor is derived from a chat export and never persisted as is.
type ImportedAuthor struct {
	Name             string    `json:"name"`
	Handle           *string   `json:"handle,omitempty"`
	ExternalID       *int64    `json:"external_id,omitempty"`
	InteractionCount int       `json:"interaction_count"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
}

// Key identifies the author within one export: user_<id>, then handle, then name.
func (a ImportedAuthor) Key() string {
	if a.ExternalID != nil {
		return fmt.Sprintf("user_%d", *a.ExternalID)
	}
	if a.Handle != nil && *a.Handle != "" {
		return *a.Handle
	}
	return a.Name
}

// SplitName splits the display name into first name and the rest.
func (a ImportedAuthor) SplitName() (first string, last *string) {
	parts := strings.Fields(a.Name)
	if len(parts) == 0 {
		return a.Name, nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	rest := strings.Join(parts[1:], " ")
	return parts[0], &rest
}

// Candidate is a canonical participant as seen by the matcher.
type Candidate struct {
	ID               uuid.UUID  `json:"id"`
	FullName         *string    `json:"full_name,omitempty"`
	TgFirstName      *string    `json:"tg_first_name,omitempty"`
	TgLastName       *string    `json:"tg_last_name,omitempty"`
	Username         *string    `json:"username,omitempty"`
	TgUserID         *int64     `json:"tg_user_id,omitempty"`
	InteractionCount int        `json:"interaction_count"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
}

type MatchResult struct {
	Author            ImportedAuthor `json:"author"`
	Participant       *Candidate     `json:"participant,omitempty"`
	Tier              string         `json:"tier"`
	Confidence        int            `json:"confidence"`
	RecommendedAction string         `json:"recommended_action"`
}

type MergeDecision struct {
	Action   string     `json:"action"`
	TargetID *uuid.UUID `json:"target_id,omitempty"`
}

// Validate enforces that a target is present iff the action is merge.
func (d MergeDecision) Validate() error {
	switch d.Action {
	case ActionMerge:
		if d.TargetID == nil || *d.TargetID == uuid.Nil {
			return fmt.Errorf("merge decision requires target_id")
		}
	case ActionCreateNew, ActionSkip:
		if d.TargetID != nil {
			return fmt.Errorf("%s decision must not carry target_id", d.Action)
		}
	default:
		return fmt.Errorf("unknown decision action %q", d.Action)
	}
	return nil
}

// AuthorDecision pairs an imported author with what to do about it.
type AuthorDecision struct {
	Author    ImportedAuthor `json:"author"`
	Decision  MergeDecision  `json:"decision"`
	MatchedID *uuid.UUID     `json:"matched_id,omitempty"`
}

// ImportBatch is one application of reviewed decisions for a chat export.
type ImportBatch struct {
	ID           uuid.UUID  `json:"id"`
	OrgID        uuid.UUID  `json:"org_id"`
	ChatID       *int64     `json:"chat_id,omitempty"`
	FileName     string     `json:"file_name"`
	TotalAuthors int        `json:"total_authors"`
	Status       string     `json:"status"`
	ImportedBy   *uuid.UUID `json:"imported_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Import batch statuses
const (
	ImportStatusImporting = "importing"
	ImportStatusCompleted = "completed"
	ImportStatusFailed    = "failed"
)

type ApplyResult struct {
	BatchID uuid.UUID `json:"batch_id"`
	Created int       `json:"created"`
	Merged  int       `json:"merged"`
	Skipped int       `json:"skipped"`
	Reused  int       `json:"reused"`
}
