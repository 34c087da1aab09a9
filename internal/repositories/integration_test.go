//go:build integration

package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/audit"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/merge"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/testutil/containers"
)

type PostgresSuite struct {
	suite.Suite
	pg           *containers.PostgresContainer
	participants *ParticipantRepo
	merges       *MergeRepo
	imports      *ImportRepo
	audits       *AuditRepo
	members      *MemberRepo
	ctx          context.Context
	org          uuid.UUID
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.participants = NewParticipantRepo(s.pg.Pool)
	s.merges = NewMergeRepo(s.pg.Pool)
	s.imports = NewImportRepo(s.pg.Pool, 16)
	s.audits = NewAuditRepo(s.pg.Pool)
	s.members = NewMemberRepo(s.pg.Pool)
	s.ctx = context.Background()
}

func (s *PostgresSuite) SetupTest() {
	// a fresh org per test keeps the rows apart
	s.org = uuid.New()
}

func (s *PostgresSuite) create(p models.Participant) *models.Participant {
	p.OrgID = s.org
	s.Require().NoError(s.participants.Create(s.ctx, &p))
	return &p
}

func (s *PostgresSuite) addInteractions(id uuid.UUID, chat int64, key string, count int) {
	_, err := s.pg.Pool.Exec(s.ctx, `
		INSERT INTO participant_interactions (participant_id, org_id, chat_id, author_key, message_count, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, id, s.org, chat, key, count)
	s.Require().NoError(err)
}

func (s *PostgresSuite) interactionTotal(id uuid.UUID) int {
	var n int
	err := s.pg.Pool.QueryRow(s.ctx,
		`SELECT COALESCE(SUM(message_count), 0) FROM participant_interactions WHERE participant_id = $1`, id).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *PostgresSuite) coordinator() *merge.Coordinator {
	resolver := canonical.NewResolver(s.participants, 16)
	recorder := audit.NewRecorder(s.audits, audit.NewLineage(resolver, s.participants), nil, zap.NewNop())
	return merge.NewCoordinator(s.merges, 16, merge.NewMemoryLocker(time.Second), recorder, events.NewMemoryBus(), nil, zap.NewNop())
}

func (s *PostgresSuite) TestMergeMovesRecordsAndKeepsConflicts() {
	target := s.create(models.Participant{FullName: strp("Alice"), Email: strp("alice@a.io")})
	dup := s.create(models.Participant{FullName: strp("Alice"), Email: strp("alice@b.io"), Phone: strp("+100"), TgUserID: i64p(555)})
	s.addInteractions(target.ID, 1, "user_555", 3)
	s.addInteractions(dup.ID, 1, "user_555", 7)
	s.addInteractions(dup.ID, 2, "user_555", 4)

	out, err := s.coordinator().Merge(s.ctx, s.org, target.ID, []uuid.UUID{dup.ID}, models.SystemActor())
	s.Require().NoError(err)
	s.False(out.Degraded)
	s.Require().Len(out.Conflicts, 1)
	s.Equal("email", out.Conflicts[0].Field)
	s.ElementsMatch([]string{"phone", "tg_user_id"}, out.ChangedFields)

	merged, err := s.participants.GetByID(s.ctx, s.org, dup.ID)
	s.Require().NoError(err)
	s.Require().NotNil(merged.MergedInto)
	s.Equal(target.ID, *merged.MergedInto)
	s.Equal(models.ParticipantStatusMerged, merged.Status)

	kept, err := s.participants.GetByID(s.ctx, s.org, target.ID)
	s.Require().NoError(err)
	s.Equal("alice@a.io", *kept.Email)
	s.Equal(int64(555), *kept.TgUserID)

	// same (chat, author) rows collapse; the larger count wins
	s.Equal(11, s.interactionTotal(target.ID))
	s.Zero(s.interactionTotal(dup.ID))

	pending, err := s.merges.PendingConflicts(s.ctx, 100)
	s.Require().NoError(err)
	var ours []uuid.UUID
	for _, c := range pending {
		if c.OrgID == s.org {
			ours = append(ours, c.ID)
			s.Equal(dup.ID, c.DuplicateID)
			s.Equal("alice@b.io", c.DiscardedValue)
		}
	}
	s.Require().Len(ours, 1)
	s.Require().NoError(s.merges.MarkNotified(s.ctx, ours))
	pending, err = s.merges.PendingConflicts(s.ctx, 100)
	s.Require().NoError(err)
	for _, c := range pending {
		s.NotEqual(s.org, c.OrgID)
	}

	// the trail follows the merged record
	trail, err := audit.NewRecorder(s.audits, audit.NewLineage(canonical.NewResolver(s.participants, 16), s.participants), nil, zap.NewNop()).
		Trail(s.ctx, s.org, dup.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(trail)
	s.Equal(models.AuditMerge, trail[len(trail)-1].Action)
}

func (s *PostgresSuite) TestMergeThroughChainResolvesTarget() {
	a := s.create(models.Participant{FullName: strp("A")})
	b := s.create(models.Participant{FullName: strp("B")})
	c := s.create(models.Participant{FullName: strp("C")})

	coord := s.coordinator()
	_, err := coord.Merge(s.ctx, s.org, b.ID, []uuid.UUID{a.ID}, models.SystemActor())
	s.Require().NoError(err)

	// a is merged; asking to merge c into a lands on b
	out, err := coord.Merge(s.ctx, s.org, a.ID, []uuid.UUID{c.ID}, models.SystemActor())
	s.Require().NoError(err)
	s.Equal(b.ID, out.TargetID)

	g, err := s.participants.AllPointers(s.ctx, s.org)
	s.Require().NoError(err)
	for _, id := range []uuid.UUID{a.ID, b.ID, c.ID} {
		got, err := canonical.Resolve(g, id, 16)
		s.Require().NoError(err)
		s.Equal(b.ID, got)
	}

	members, err := s.participants.Members(s.ctx, s.org, b.ID)
	s.Require().NoError(err)
	s.ElementsMatch([]uuid.UUID{a.ID, c.ID}, members)
}

func (s *PostgresSuite) TestChainedMergesKeepPointersOneHop() {
	first := s.create(models.Participant{FullName: strp("P0")})
	prev := first
	for i := 1; i <= 20; i++ {
		next := s.create(models.Participant{FullName: strp(fmt.Sprintf("P%d", i))})
		req := models.ConsolidateRequest{OrgID: s.org, TargetID: next.ID, Duplicates: []uuid.UUID{prev.ID}, Actor: models.SystemActor()}
		var err error
		if i%2 == 0 {
			_, err = s.merges.ConsolidateFallback(s.ctx, req)
		} else {
			_, err = s.merges.ConsolidatePrimary(s.ctx, req, merge.MergeFields)
		}
		s.Require().NoError(err, "merge %d", i)
		prev = next
	}

	g, err := s.participants.AllPointers(s.ctx, s.org)
	s.Require().NoError(err)
	for id, parent := range g {
		if parent != nil {
			s.Equal(prev.ID, *parent, "participant %s", id)
		}
	}
	got, err := canonical.NewResolver(s.participants, 16).Resolve(s.ctx, s.org, first.ID)
	s.Require().NoError(err)
	s.Equal(prev.ID, got)
}

func (s *PostgresSuite) TestFallbackFillsEmptyFieldsOnly() {
	target := s.create(models.Participant{FullName: strp("Bob"), Email: strp("bob@a.io")})
	dup := s.create(models.Participant{FullName: strp("Robert"), Email: strp("bob@b.io"), Bio: strp("hello")})
	s.addInteractions(dup.ID, 9, "bob", 2)

	out, err := s.merges.ConsolidateFallback(s.ctx, models.ConsolidateRequest{
		OrgID: s.org, TargetID: target.ID, Duplicates: []uuid.UUID{dup.ID}, Actor: models.SystemActor(),
	})
	s.Require().NoError(err)
	s.Equal([]uuid.UUID{dup.ID}, out.MergedIDs)
	s.Empty(out.Conflicts)

	kept, err := s.participants.GetByID(s.ctx, s.org, target.ID)
	s.Require().NoError(err)
	s.Equal("Bob", *kept.FullName)
	s.Equal("bob@a.io", *kept.Email)
	s.Require().NotNil(kept.Bio)
	s.Equal("hello", *kept.Bio)
	s.Equal(2, s.interactionTotal(target.ID))

	// a merged target is rejected as a conflict
	other := s.create(models.Participant{FullName: strp("Other")})
	_, err = s.merges.ConsolidateFallback(s.ctx, models.ConsolidateRequest{
		OrgID: s.org, TargetID: dup.ID, Duplicates: []uuid.UUID{other.ID}, Actor: models.SystemActor(),
	})
	s.True(apperr.Is(err, apperr.KindConflict), "got %v", err)
}

func (s *PostgresSuite) TestPrimaryRejectsStaleDuplicates() {
	target := s.create(models.Participant{FullName: strp("T")})
	dup := s.create(models.Participant{FullName: strp("D")})
	req := models.ConsolidateRequest{OrgID: s.org, TargetID: target.ID, Duplicates: []uuid.UUID{dup.ID}, Actor: models.SystemActor()}

	_, err := s.merges.ConsolidatePrimary(s.ctx, req, merge.MergeFields)
	s.Require().NoError(err)

	_, err = s.merges.ConsolidatePrimary(s.ctx, req, merge.MergeFields)
	s.True(apperr.Is(err, apperr.KindConflict), "got %v", err)

	req.Duplicates = []uuid.UUID{uuid.New()}
	_, err = s.merges.ConsolidatePrimary(s.ctx, req, merge.MergeFields)
	s.True(apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func (s *PostgresSuite) TestImportIsIdempotent() {
	batch := &models.ImportBatch{OrgID: s.org, ChatID: i64p(77), FileName: "result.json", TotalAuthors: 1}
	s.Require().NoError(s.imports.CreateBatch(s.ctx, batch))

	author := models.ImportedAuthor{
		Name: "Carol Jones", Handle: strp("@carol"), ExternalID: i64p(9001),
		InteractionCount: 12, LastSeenAt: time.Now().UTC(),
	}
	in := AuthorApply{OrgID: s.org, BatchID: batch.ID, ChatID: 77, Author: author, Action: models.ActionCreateNew}

	first, err := s.imports.ApplyAuthor(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(AppliedCreated, first.Result)

	second, err := s.imports.ApplyAuthor(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(AppliedReused, second.Result)
	s.Equal(first.ParticipantID, second.ParticipantID)
	s.Equal(12, s.interactionTotal(first.ParticipantID))

	p, err := s.participants.GetByID(s.ctx, s.org, first.ParticipantID)
	s.Require().NoError(err)
	s.Equal("carol", *p.Username)
	s.Equal(models.SourceImport, p.Source)

	s.Require().NoError(s.imports.FinishBatch(s.ctx, batch.ID, models.ImportStatusCompleted, models.ApplyResult{Created: 1}))
}

func (s *PostgresSuite) TestImportMergeFillsTarget() {
	target := s.create(models.Participant{FullName: strp("Dan Smith")})
	batch := &models.ImportBatch{OrgID: s.org, ChatID: i64p(5), TotalAuthors: 1}
	s.Require().NoError(s.imports.CreateBatch(s.ctx, batch))

	out, err := s.imports.ApplyAuthor(s.ctx, AuthorApply{
		OrgID: s.org, BatchID: batch.ID, ChatID: 5, TargetID: target.ID, Action: models.ActionMerge,
		Author: models.ImportedAuthor{Name: "Dan Smith", Handle: strp("dan"), ExternalID: i64p(31), InteractionCount: 4},
	})
	s.Require().NoError(err)
	s.Equal(AppliedMerged, out.Result)
	s.Equal(target.ID, out.ParticipantID)
	s.ElementsMatch([]string{"username", "tg_user_id", "tg_first_name", "tg_last_name"}, out.Changed)
	s.Equal(4, s.interactionTotal(target.ID))
}

func (s *PostgresSuite) TestImportMergeIntoMergedTargetConflicts() {
	target := s.create(models.Participant{FullName: strp("Fay Lee")})
	winner := s.create(models.Participant{FullName: strp("Fay Lee")})
	_, err := s.merges.ConsolidatePrimary(s.ctx, models.ConsolidateRequest{
		OrgID: s.org, TargetID: winner.ID, Duplicates: []uuid.UUID{target.ID}, Actor: models.SystemActor(),
	}, merge.MergeFields)
	s.Require().NoError(err)

	batch := &models.ImportBatch{OrgID: s.org, ChatID: i64p(6), TotalAuthors: 1}
	s.Require().NoError(s.imports.CreateBatch(s.ctx, batch))
	in := AuthorApply{
		OrgID: s.org, BatchID: batch.ID, ChatID: 6, TargetID: target.ID, Action: models.ActionMerge,
		Author: models.ImportedAuthor{Name: "Fay Lee", Handle: strp("fay")},
	}

	_, err = s.imports.ApplyAuthor(s.ctx, in)
	s.True(apperr.Is(err, apperr.KindConflict), "got %v", err)
	s.True(apperr.IsRetryable(err))

	in.TargetID = uuid.New()
	_, err = s.imports.ApplyAuthor(s.ctx, in)
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *PostgresSuite) TestUpdateAndExternalIDs() {
	p := s.create(models.Participant{FullName: strp("Eve")})
	other := s.create(models.Participant{FullName: strp("Mallory")})

	before, after, err := s.participants.Update(s.ctx, s.org, p.ID, models.ParticipantPatch{Email: strp("  EVE@Example.COM ")})
	s.Require().NoError(err)
	s.Nil(before.Email)
	s.Equal("eve@example.com", *after.Email)

	prev, err := s.participants.UpsertExternalID(s.ctx, models.ExternalIDLink{OrgID: s.org, ParticipantID: p.ID, System: "crm", ExternalID: "c-1"})
	s.Require().NoError(err)
	s.Nil(prev)

	prev, err = s.participants.UpsertExternalID(s.ctx, models.ExternalIDLink{OrgID: s.org, ParticipantID: p.ID, System: "crm", ExternalID: "c-2"})
	s.Require().NoError(err)
	s.Require().NotNil(prev)
	s.Equal("c-1", *prev)

	_, err = s.participants.UpsertExternalID(s.ctx, models.ExternalIDLink{OrgID: s.org, ParticipantID: other.ID, System: "crm", ExternalID: "c-2"})
	s.True(apperr.Is(err, apperr.KindConflict), "got %v", err)

	links, err := s.participants.ListExternalIDs(s.ctx, p.ID)
	s.Require().NoError(err)
	s.Len(links, 1)
}

func (s *PostgresSuite) TestMembership() {
	_, err := s.members.Touch(s.ctx, s.org, 501, nil, nil, nil)
	s.ErrorIs(err, apperr.ErrNotFound)

	granted, err := s.members.Grant(s.ctx, s.org, 501, "member")
	s.Require().NoError(err)
	s.NotEqual(uuid.Nil, granted.UserID)
	s.Nil(granted.LastActiveAt)

	again, err := s.members.Grant(s.ctx, s.org, 501, "admin")
	s.Require().NoError(err)
	s.Equal(granted.UserID, again.UserID)
	s.Equal("admin", again.Role)

	touched, err := s.members.Touch(s.ctx, s.org, 501, strp("ops"), nil, nil)
	s.Require().NoError(err)
	s.Equal("ops", *touched.Username)
	s.NotNil(touched.LastActiveAt)

	_, err = s.members.Touch(s.ctx, uuid.New(), 501, nil, nil, nil)
	s.ErrorIs(err, apperr.ErrNotFound)

	list, err := s.members.ListByOrg(s.ctx, s.org)
	s.Require().NoError(err)
	s.Len(list, 1)

	s.Require().NoError(s.members.Revoke(s.ctx, s.org, 501))
	_, err = s.members.Touch(s.ctx, s.org, 501, nil, nil, nil)
	s.ErrorIs(err, apperr.ErrNotFound)
}

func strp(s string) *string { return &s }

func i64p(v int64) *int64 { return &v }
