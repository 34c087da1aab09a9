package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/models"
)

type Notifier interface {
	SendNotification(ctx context.Context, telegramUserID int64, text string) error
}

// NotifyBridge forwards bot notifications and merge conflict alerts from the
// event streams to the bot service.
type NotifyBridge struct {
	notifier   Notifier
	recipients []int64
	log        *zap.Logger
}

func NewNotifyBridge(notifier Notifier, recipients []int64, log *zap.Logger) *NotifyBridge {
	return &NotifyBridge{notifier: notifier, recipients: recipients, log: log}
}

func (b *NotifyBridge) HandleBotEvent(ctx context.Context, ev events.Event) {
	if ev.Type != events.EventBotNotification {
		return
	}
	tgID, err := models.ParseExternalID(ev.Payload["telegram_user_id"])
	if err != nil {
		b.log.Warn("bot notification without usable telegram_user_id", zap.String("org_id", ev.OrgID), zap.Error(err))
		return
	}
	text, _ := ev.Payload["text"].(string)
	if text == "" {
		text = fmt.Sprintf("Event: %s", ev.Type)
	}
	b.send(ctx, tgID, text)
}

// HandleIdentityEvent alerts recipients as soon as a merge reports
// conflicts. Details follow in the conflict digest.
func (b *NotifyBridge) HandleIdentityEvent(ctx context.Context, ev events.Event) {
	if ev.Type != events.EventParticipantMerged {
		return
	}
	n := events.ConflictCount(ev)
	if n == 0 {
		return
	}
	target, _ := ev.Payload["target_id"].(string)
	text := fmt.Sprintf("Merge into %s in org %s kept %d conflicting value(s) for review.", target, ev.OrgID, n)
	for _, tgID := range b.recipients {
		b.send(ctx, tgID, text)
	}
}

func (b *NotifyBridge) send(ctx context.Context, tgID int64, text string) {
	if err := b.notifier.SendNotification(ctx, tgID, text); err != nil {
		b.log.Warn("failed to forward notification", zap.Int64("telegram_user_id", tgID), zap.Error(err))
		return
	}
	b.log.Info("notification forwarded", zap.Int64("telegram_user_id", tgID))
}
