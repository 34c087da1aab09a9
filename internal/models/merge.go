package models

import (
	"time"

	"github.com/google/uuid"
)

type FieldConflict struct {
	Field          string `json:"field"`
	KeptValue      string `json:"kept_value"`
	DiscardedValue string `json:"discarded_value"`
}

type MergeOutcome struct {
	TargetID      uuid.UUID       `json:"target_id"`
	MergedIDs     []uuid.UUID     `json:"merged_ids"`
	Conflicts     []FieldConflict `json:"conflicts"`
	ChangedFields []string        `json:"changed_fields"`
	Degraded      bool            `json:"degraded"`
}

// FieldMerger folds dup into target in place and reports what happened.
// Stores call it while holding row locks so the policy runs on fresh data.
type FieldMerger func(target *Participant, dup *Participant) (conflicts []FieldConflict, changed []string)

// ConsolidateRequest is what the store needs to fold duplicates into a target.
// All ids are canonical.
type ConsolidateRequest struct {
	OrgID      uuid.UUID
	TargetID   uuid.UUID
	Duplicates []uuid.UUID
	Actor      Actor
}

// MergeConflictRecord is a stored conflict awaiting manual review.
type MergeConflictRecord struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	ParticipantID  uuid.UUID  `json:"participant_id"`
	DuplicateID    uuid.UUID  `json:"duplicate_id"`
	Field          string     `json:"field"`
	KeptValue      string     `json:"kept_value"`
	DiscardedValue string     `json:"discarded_value"`
	CreatedAt      time.Time  `json:"created_at"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}
