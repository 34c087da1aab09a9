package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/models"
)

type sentMessage struct {
	to   int64
	text string
}

type fakeNotifier struct {
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) SendNotification(_ context.Context, to int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

func TestNotifyBridgeForwardsBotNotifications(t *testing.T) {
	n := &fakeNotifier{}
	bridge := NewNotifyBridge(n, nil, zap.NewNop())
	bus := events.NewMemoryBus()
	ctx := context.Background()
	require.NoError(t, bus.Subscribe(ctx, events.StreamBot, func(ev events.Event) { bridge.HandleBotEvent(ctx, ev) }))

	require.NoError(t, bus.Publish(ctx, events.StreamBot, events.NewBotNotification(uuid.New(), 4242, "hello")))
	require.NoError(t, bus.Publish(ctx, events.StreamBot, events.Event{Type: "other", Payload: map[string]any{"telegram_user_id": 1}}))
	require.NoError(t, bus.Publish(ctx, events.StreamBot, events.Event{Type: events.EventBotNotification, Payload: map[string]any{}}))

	require.Len(t, n.sent, 1)
	assert.Equal(t, sentMessage{to: 4242, text: "hello"}, n.sent[0])
}

func TestNotifyBridgeAlertsOnMergeConflicts(t *testing.T) {
	n := &fakeNotifier{}
	bridge := NewNotifyBridge(n, []int64{1, 2}, zap.NewNop())
	org := uuid.New()
	actor := models.SystemActor()

	clean := events.NewParticipantMerged(org, actor, &models.MergeOutcome{TargetID: uuid.New()})
	bridge.HandleIdentityEvent(context.Background(), clean)
	assert.Empty(t, n.sent)

	withConflicts := events.NewParticipantMerged(org, actor, &models.MergeOutcome{
		TargetID:  uuid.New(),
		Conflicts: []models.FieldConflict{{Field: "email"}},
	})
	bridge.HandleIdentityEvent(context.Background(), withConflicts)
	require.Len(t, n.sent, 2)
	assert.Contains(t, n.sent[0].text, "1 conflicting value(s)")
}

func TestNotifyBridgeSurvivesSendErrors(t *testing.T) {
	n := &fakeNotifier{err: errors.New("bot down")}
	bridge := NewNotifyBridge(n, nil, zap.NewNop())
	assert.NotPanics(t, func() {
		bridge.HandleBotEvent(context.Background(), events.NewBotNotification(uuid.New(), 1, "x"))
	})
}
