package merge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/models"
)

// memStore keeps participants in a map and applies merges under one mutex.
type memStore struct {
	mu           sync.Mutex
	participants map[uuid.UUID]*models.Participant

	primaryErr  error
	fallbackErr error
	fallbacks   int
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMemStore(ps ...*models.Participant) *memStore {
	s := &memStore{participants: make(map[uuid.UUID]*models.Participant)}
	for _, p := range ps {
		s.participants[p.ID] = p
	}
	return s
}

func (s *memStore) MergeGraph(_ context.Context, orgID uuid.UUID, _ []uuid.UUID, _ int) (canonical.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := canonical.Graph{}
	for id, p := range s.participants {
		if p.OrgID != orgID {
			continue
		}
		if p.MergedInto != nil {
			parent := *p.MergedInto
			g[id] = &parent
		} else {
			g[id] = nil
		}
	}
	return g, nil
}

func (s *memStore) track() func() {
	n := s.inFlight.Add(1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}

func (s *memStore) ConsolidatePrimary(_ context.Context, req models.ConsolidateRequest, merge models.FieldMerger) (*models.MergeOutcome, error) {
	defer s.track()()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.primaryErr != nil {
		return nil, s.primaryErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.participants[req.TargetID]
	if target.MergedInto != nil {
		return nil, apperr.Conflict("target already merged")
	}
	out := &models.MergeOutcome{TargetID: req.TargetID}
	seen := map[string]bool{}
	for _, id := range req.Duplicates {
		dup := s.participants[id]
		if dup.MergedInto != nil {
			return nil, apperr.Conflict("duplicate already merged")
		}
		conflicts, changed := merge(target, dup)
		out.Conflicts = append(out.Conflicts, conflicts...)
		for _, f := range changed {
			if !seen[f] {
				seen[f] = true
				out.ChangedFields = append(out.ChangedFields, f)
			}
		}
		into := req.TargetID
		dup.MergedInto = &into
		dup.Status = models.ParticipantStatusMerged
		out.MergedIDs = append(out.MergedIDs, id)
	}
	s.flatten(req.TargetID, req.Duplicates)
	return out, nil
}

// flatten mirrors the store: records merged into a duplicate move to target.
func (s *memStore) flatten(target uuid.UUID, dups []uuid.UUID) {
	for _, p := range s.participants {
		if p.MergedInto == nil {
			continue
		}
		for _, d := range dups {
			if *p.MergedInto == d {
				into := target
				p.MergedInto = &into
			}
		}
	}
}

func (s *memStore) ConsolidateFallback(_ context.Context, req models.ConsolidateRequest) (*models.MergeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks++
	if s.fallbackErr != nil {
		return nil, s.fallbackErr
	}
	for _, id := range req.Duplicates {
		into := req.TargetID
		s.participants[id].MergedInto = &into
	}
	s.flatten(req.TargetID, req.Duplicates)
	return &models.MergeOutcome{TargetID: req.TargetID, MergedIDs: req.Duplicates}, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *memAudit) Record(_ context.Context, e models.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type CoordinatorSuite struct {
	suite.Suite

	org    uuid.UUID
	actor  models.Actor
	store  *memStore
	audit  *memAudit
	bus    *events.MemoryBus
	logs   *observer.ObservedLogs
	coord  *Coordinator
	target *models.Participant
	dup    *models.Participant
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.org = uuid.New()
	s.actor = models.UserActor(uuid.New())
	s.target = &models.Participant{ID: uuid.New(), OrgID: s.org, Email: sp("b@y.com"), Status: models.ParticipantStatusActive}
	s.dup = &models.Participant{ID: uuid.New(), OrgID: s.org, Email: sp("a@x.com"), Phone: sp("+79990000000"), Status: models.ParticipantStatusActive}
	s.store = newMemStore(s.target, s.dup)
	s.audit = &memAudit{}
	s.bus = events.NewMemoryBus()
	s.coord = s.newCoordinator(NewMemoryLocker(time.Second))
}

func (s *CoordinatorSuite) newCoordinator(l Locker) *Coordinator {
	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs
	return NewCoordinator(s.store, 0, l, s.audit, s.bus, nil, zap.New(core))
}

func (s *CoordinatorSuite) add(p *models.Participant) *models.Participant {
	p.OrgID = s.org
	s.store.participants[p.ID] = p
	return p
}

func (s *CoordinatorSuite) TestMergeRecordsConflictAndAdoptsMissingFields() {
	out, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)

	s.Equal(s.target.ID, out.TargetID)
	s.Equal([]uuid.UUID{s.dup.ID}, out.MergedIDs)
	s.Require().Len(out.Conflicts, 1)
	s.Equal(models.FieldConflict{Field: "email", KeptValue: "b@y.com", DiscardedValue: "a@x.com"}, out.Conflicts[0])
	s.Equal([]string{FieldPhone}, out.ChangedFields)
	s.False(out.Degraded)

	s.Equal("b@y.com", *s.target.Email)
	s.Equal("+79990000000", *s.target.Phone)
	s.Require().NotNil(s.dup.MergedInto)
	s.Equal(s.target.ID, *s.dup.MergedInto)
}

func (s *CoordinatorSuite) TestMergeNullEmailHasNoConflicts() {
	s.dup.Email = nil
	s.dup.Phone = nil

	out, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)
	s.Empty(out.Conflicts)
	s.Equal("b@y.com", *s.target.Email)
}

func (s *CoordinatorSuite) TestMergeWritesAuditAndPublishes() {
	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)

	s.Require().Len(s.audit.entries, 1)
	e := s.audit.entries[0]
	s.Equal(models.AuditMerge, e.Action)
	s.Equal(s.target.ID, e.ParticipantID)
	s.Equal(models.ActorUser, e.ActorType)
	s.Equal(s.actor.ID, e.ActorID)
	s.Equal([]uuid.UUID{s.dup.ID}, e.Changes["merged_ids"])

	sent := s.bus.Sent()
	s.Require().Len(sent, 1)
	s.Equal(events.EventParticipantMerged, sent[0].Type)
}

func (s *CoordinatorSuite) TestSecondMergeIsRejectedAsSameIdentity() {
	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)

	_, err = s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().Error(err)
	s.True(apperr.Is(err, apperr.KindConflict), "got %v", err)
	s.True(apperr.IsRetryable(err))
	s.Len(s.audit.entries, 1, "rejected merge must not be audited")
}

func (s *CoordinatorSuite) TestSelfMergeRejected() {
	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.target.ID}, s.actor)
	s.True(apperr.Is(err, apperr.KindConflict))
	s.Nil(s.target.MergedInto)
}

func (s *CoordinatorSuite) TestMergeIntoOwnDescendantRejected() {
	// dup was previously merged into target; merging target into dup must fail
	into := s.target.ID
	s.dup.MergedInto = &into

	_, err := s.coord.Merge(context.Background(), s.org, s.dup.ID, []uuid.UUID{s.target.ID}, s.actor)
	s.True(apperr.Is(err, apperr.KindConflict))
	s.Nil(s.target.MergedInto)
}

func (s *CoordinatorSuite) TestDuplicatesAreCanonicalizedAndDeduplicated() {
	canonicalDup := s.add(&models.Participant{ID: uuid.New(), Bio: sp("bio")})
	older := s.add(&models.Participant{ID: uuid.New()})
	into := canonicalDup.ID
	older.MergedInto = &into

	out, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{older.ID, canonicalDup.ID}, s.actor)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{canonicalDup.ID}, out.MergedIDs)
	s.Equal(s.target.ID, *canonicalDup.MergedInto)
	s.Equal(s.target.ID, *older.MergedInto, "records merged into a duplicate follow it to the target")

	got, err := s.coord.Resolver().Resolve(context.Background(), s.org, older.ID)
	s.Require().NoError(err)
	s.Equal(s.target.ID, got)
}

func (s *CoordinatorSuite) TestTargetIsCanonicalized() {
	newer := s.add(&models.Participant{ID: uuid.New()})
	into := newer.ID
	s.target.MergedInto = &into

	out, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)
	s.Equal(newer.ID, out.TargetID)
	s.Equal(newer.ID, *s.dup.MergedInto)
}

func (s *CoordinatorSuite) TestValidation() {
	cases := map[string]struct {
		org    uuid.UUID
		target uuid.UUID
		dups   []uuid.UUID
		actor  models.Actor
	}{
		"missing org":    {uuid.Nil, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor},
		"missing target": {s.org, uuid.Nil, []uuid.UUID{s.dup.ID}, s.actor},
		"no duplicates":  {s.org, s.target.ID, nil, s.actor},
		"nil duplicate":  {s.org, s.target.ID, []uuid.UUID{uuid.Nil}, s.actor},
		"bad actor type": {s.org, s.target.ID, []uuid.UUID{s.dup.ID}, models.Actor{Type: "robot"}},
	}
	for name, tc := range cases {
		s.Run(name, func() {
			_, err := s.coord.Merge(context.Background(), tc.org, tc.target, tc.dups, tc.actor)
			s.True(apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func (s *CoordinatorSuite) TestUnknownParticipantNotFound() {
	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{uuid.New()}, s.actor)
	s.True(apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func (s *CoordinatorSuite) TestOtherOrgParticipantNotFound() {
	foreign := &models.Participant{ID: uuid.New(), OrgID: uuid.New()}
	s.store.participants[foreign.ID] = foreign

	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{foreign.ID}, s.actor)
	s.True(apperr.Is(err, apperr.KindNotFound))
	s.Nil(foreign.MergedInto)
}

func (s *CoordinatorSuite) TestFallbackWhenPrimaryUnavailable() {
	s.store.primaryErr = apperr.ExternalDependency(errors.New("procedure missing"), "consolidate")

	out, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)
	s.True(out.Degraded)
	s.Empty(out.Conflicts)
	s.Equal(1, s.store.fallbacks)

	warns := s.logs.FilterLevelExact(zapcore.WarnLevel).All()
	s.Require().Len(warns, 1)
	s.Contains(warns[0].Message, "degraded merge")

	s.Require().Len(s.audit.entries, 1)
	s.Equal(true, s.audit.entries[0].Changes["degraded"])
}

func (s *CoordinatorSuite) TestFallbackFailureIsPersistenceError() {
	s.store.primaryErr = apperr.ExternalDependency(errors.New("procedure missing"), "consolidate")
	s.store.fallbackErr = errors.New("connection reset")

	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.True(apperr.Is(err, apperr.KindPersistence), "got %v", err)
	s.ErrorContains(err, "connection reset")
	s.Empty(s.audit.entries)
	s.Empty(s.bus.Sent())
}

func (s *CoordinatorSuite) TestPrimaryFailureWithoutFallback() {
	s.store.primaryErr = errors.New("unique violation")

	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.True(apperr.Is(err, apperr.KindPersistence))
	s.Equal(0, s.store.fallbacks)
}

func (s *CoordinatorSuite) TestLockTimeoutIsRetryableConflict() {
	locker := NewMemoryLocker(30 * time.Millisecond)
	coord := s.newCoordinator(locker)

	release, err := locker.Acquire(context.Background(), lockKey(s.org, s.target.ID))
	s.Require().NoError(err)
	defer release(context.Background())

	_, err = coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.True(apperr.IsRetryable(err), "got %v", err)
	s.ErrorIs(err, apperr.ErrLockTimeout)
	s.Nil(s.dup.MergedInto)
}

func (s *CoordinatorSuite) TestConcurrentMergesIntoSameTargetAreSerialized() {
	s.store.delay = 20 * time.Millisecond
	var dups []uuid.UUID
	for i := 0; i < 5; i++ {
		dups = append(dups, s.add(&models.Participant{ID: uuid.New()}).ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(dups))
	for i, d := range dups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{d}, s.actor)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), s.store.maxInFlight.Load())
	for _, d := range dups {
		s.Equal(s.target.ID, *s.store.participants[d].MergedInto)
	}
}

func (s *CoordinatorSuite) TestNoParticipantPointsAtItself() {
	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)
	for id, p := range s.store.participants {
		if p.MergedInto != nil {
			s.NotEqual(id, *p.MergedInto)
		}
	}
}

func (s *CoordinatorSuite) TestChainedMergesStayResolvable() {
	ctx := context.Background()
	first := s.add(&models.Participant{ID: uuid.New(), Status: models.ParticipantStatusActive})
	prev := first
	for i := 0; i < canonical.DefaultMaxDepth+4; i++ {
		next := s.add(&models.Participant{ID: uuid.New(), Status: models.ParticipantStatusActive})
		_, err := s.coord.Merge(ctx, s.org, next.ID, []uuid.UUID{prev.ID}, s.actor)
		s.Require().NoError(err, "merge %d", i)
		prev = next
	}

	got, err := s.coord.Resolver().Resolve(ctx, s.org, first.ID)
	s.Require().NoError(err)
	s.Equal(prev.ID, got)
	s.Equal(prev.ID, *first.MergedInto)

	out, err := s.coord.Merge(ctx, s.org, s.target.ID, []uuid.UUID{first.ID}, s.actor)
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{prev.ID}, out.MergedIDs)
}

func (s *CoordinatorSuite) TestFallbackFlattensChains() {
	older := s.add(&models.Participant{ID: uuid.New()})
	into := s.dup.ID
	older.MergedInto = &into
	s.store.primaryErr = apperr.ExternalDependency(errors.New("procedure missing"), "consolidate")

	_, err := s.coord.Merge(context.Background(), s.org, s.target.ID, []uuid.UUID{s.dup.ID}, s.actor)
	s.Require().NoError(err)
	s.Equal(s.target.ID, *older.MergedInto)
}
