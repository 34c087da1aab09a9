package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
)

type fakeStore struct {
	entries []models.AuditEntry
	err     error
	panics  bool
	ctxErr  error
}

func (s *fakeStore) Insert(ctx context.Context, e models.AuditEntry) error {
	if s.panics {
		panic("boom")
	}
	s.ctxErr = ctx.Err()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeStore) ListByParticipants(_ context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]models.AuditEntry, error) {
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []models.AuditEntry
	for _, e := range s.entries {
		if e.OrgID == orgID && want[e.ParticipantID] {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeLineage struct {
	canonical map[uuid.UUID]uuid.UUID
}

func (l fakeLineage) Resolve(_ context.Context, _ uuid.UUID, id uuid.UUID) (uuid.UUID, error) {
	if c, ok := l.canonical[id]; ok {
		return c, nil
	}
	return uuid.Nil, apperr.NotFound("participant %s not found", id)
}

func (l fakeLineage) Members(_ context.Context, _ uuid.UUID, canonicalID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, c := range l.canonical {
		if c == canonicalID && id != canonicalID {
			out = append(out, id)
		}
	}
	return out, nil
}

func entry(org, participant uuid.UUID, action string) models.AuditEntry {
	return models.AuditEntry{
		OrgID:         org,
		ParticipantID: participant,
		ActorType:     models.ActorSystem,
		Source:        models.AuditSourceManual,
		Action:        action,
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, fakeLineage{}, nil, nil)

	r.Record(context.Background(), entry(uuid.New(), uuid.New(), models.AuditCreate))

	require.Len(t, store.entries, 1)
	assert.NotEqual(t, uuid.Nil, store.entries[0].ID)
	assert.False(t, store.entries[0].CreatedAt.IsZero())
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := metrics.NewWithRegisterer(prometheus.NewRegistry())
	r := NewRecorder(&fakeStore{err: errors.New("db down")}, fakeLineage{}, m, zap.New(core))

	assert.NotPanics(t, func() {
		r.Record(context.Background(), entry(uuid.New(), uuid.New(), models.AuditMerge))
	})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "audit write failed", logs.All()[0].Message)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditFailures))
}

func TestRecordSurvivesStorePanic(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRecorder(&fakeStore{panics: true}, fakeLineage{}, nil, zap.New(core))

	assert.NotPanics(t, func() {
		r.Record(context.Background(), entry(uuid.New(), uuid.New(), models.AuditUpdate))
	})
	assert.Equal(t, 1, logs.Len())
}

func TestRecordRejectsInvalidEntry(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &fakeStore{}
	r := NewRecorder(store, fakeLineage{}, nil, zap.New(core))

	bad := entry(uuid.New(), uuid.New(), "delete")
	r.Record(context.Background(), bad)

	assert.Empty(t, store.entries)
	assert.Equal(t, 1, logs.Len())
}

func TestRecordIgnoresCancelledRequest(t *testing.T) {
	store := &fakeStore{}
	r := NewRecorder(store, fakeLineage{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.Record(ctx, entry(uuid.New(), uuid.New(), models.AuditCreate))

	assert.NoError(t, store.ctxErr)
	assert.Len(t, store.entries, 1)
}

func TestTrailIncludesMergedRecordsInOrder(t *testing.T) {
	org, target, dup, other := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	store := &fakeStore{}
	lineage := fakeLineage{canonical: map[uuid.UUID]uuid.UUID{target: target, dup: target, other: other}}
	r := NewRecorder(store, lineage, nil, nil)

	add := func(p uuid.UUID, action string, at time.Time) {
		e := entry(org, p, action)
		e.CreatedAt = at
		r.Record(context.Background(), e)
	}
	add(target, models.AuditMerge, base.Add(2*time.Hour))
	add(dup, models.AuditCreate, base)
	add(other, models.AuditCreate, base.Add(time.Minute))
	add(target, models.AuditCreate, base.Add(time.Hour))

	trail, err := r.Trail(context.Background(), org, dup)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, dup, trail[0].ParticipantID)
	assert.Equal(t, models.AuditCreate, trail[1].Action)
	assert.Equal(t, models.AuditMerge, trail[2].Action)
}

func TestTrailUnknownParticipant(t *testing.T) {
	r := NewRecorder(&fakeStore{}, fakeLineage{}, nil, nil)
	_, err := r.Trail(context.Background(), uuid.New(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTrailEmptyIsNotNil(t *testing.T) {
	id := uuid.New()
	r := NewRecorder(&fakeStore{}, fakeLineage{canonical: map[uuid.UUID]uuid.UUID{id: id}}, nil, nil)
	trail, err := r.Trail(context.Background(), uuid.New(), id)
	require.NoError(t, err)
	assert.NotNil(t, trail)
	assert.Empty(t, trail)
}
