package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/participant-hub/identity/internal/models"
)

// Streams
const (
	StreamIdentity = "events:identity"
	StreamBot      = "events:bot"
)

// Event types
const (
	EventParticipantMerged  = "participant.merged"
	EventParticipantCreated = "participant.created"
	EventParticipantUpdated = "participant.updated"
	EventImportApplied      = "import.applied"
	EventBotNotification    = "bot_notification"
)

type Event struct {
	Type    string         `json:"type"`
	OrgID   string         `json:"org_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

func NewParticipantMerged(orgID uuid.UUID, actor models.Actor, o *models.MergeOutcome) Event {
	payload := map[string]any{
		"target_id":      o.TargetID.String(),
		"merged_ids":     idStrings(o.MergedIDs),
		"conflicts":      o.Conflicts,
		"changed_fields": o.ChangedFields,
		"degraded":       o.Degraded,
		"actor_type":     actor.Type,
	}
	if actor.ID != nil {
		payload["actor_id"] = actor.ID.String()
	}
	return Event{Type: EventParticipantMerged, OrgID: orgID.String(), Payload: payload}
}

func NewParticipantUpdated(orgID, participantID uuid.UUID, changed []string) Event {
	return Event{
		Type:  EventParticipantUpdated,
		OrgID: orgID.String(),
		Payload: map[string]any{
			"participant_id": participantID.String(),
			"changed_fields": changed,
		},
	}
}

func NewParticipantCreated(orgID, participantID uuid.UUID, source string) Event {
	return Event{
		Type:  EventParticipantCreated,
		OrgID: orgID.String(),
		Payload: map[string]any{
			"participant_id": participantID.String(),
			"source":         source,
		},
	}
}

func NewImportApplied(orgID uuid.UUID, res *models.ApplyResult) Event {
	return Event{
		Type:  EventImportApplied,
		OrgID: orgID.String(),
		Payload: map[string]any{
			"batch_id": res.BatchID.String(),
			"created":  res.Created,
			"merged":   res.Merged,
			"skipped":  res.Skipped,
			"reused":   res.Reused,
		},
	}
}

// NewBotNotification asks the bot to deliver text to one Telegram user.
func NewBotNotification(orgID uuid.UUID, telegramUserID int64, text string) Event {
	return Event{
		Type:  EventBotNotification,
		OrgID: orgID.String(),
		Payload: map[string]any{
			"telegram_user_id": telegramUserID,
			"text":             text,
		},
	}
}

// ConflictCount reads the number of conflicts from a decoded merge event.
func ConflictCount(ev Event) int {
	switch v := ev.Payload["conflicts"].(type) {
	case []any:
		return len(v)
	case []models.FieldConflict:
		return len(v)
	}
	return 0
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
