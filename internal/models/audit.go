package models

import (
	"time"

	"github.com/google/uuid"
)

// Actor types
const (
	ActorUser        = "user"
	ActorIntegration = "integration"
	ActorSystem      = "system"
)

// Audit actions
const (
	AuditCreate           = "create"
	AuditUpdate           = "update"
	AuditMerge            = "merge"
	AuditExternalIDUpsert = "external_id_upsert"
)

// Audit sources
const (
	AuditSourceManual    = "manual"
	AuditSourceImport    = "telegram_import"
	AuditSourceMerge     = "merge"
	AuditSourceConnector = "connector"
)

// AuditEntry is append-only: written once after a mutation commits, never updated.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	OrgID         uuid.UUID      `json:"org_id"`
	ParticipantID uuid.UUID      `json:"participant_id"`
	ActorID       *uuid.UUID     `json:"actor_id,omitempty"`
	ActorType     string         `json:"actor_type"` // user/integration/system
	Source        string         `json:"source"`
	Action        string         `json:"action"`
	Changes       map[string]any `json:"changes,omitempty"`
	BatchID       *uuid.UUID     `json:"batch_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func IsValidActorType(t string) bool {
	return t == ActorUser || t == ActorIntegration || t == ActorSystem
}

func IsValidAuditAction(a string) bool {
	switch a {
	case AuditCreate, AuditUpdate, AuditMerge, AuditExternalIDUpsert:
		return true
	}
	return false
}

// Actor identifies who performed a mutation.
type Actor struct {
	ID   *uuid.UUID
	Type string
}

func UserActor(id uuid.UUID) Actor {
	return Actor{ID: &id, Type: ActorUser}
}

func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}
