package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/participant-hub/identity/internal/canonical"
)

type MemberLister interface {
	Members(ctx context.Context, orgID, canonicalID uuid.UUID) ([]uuid.UUID, error)
}

type lineage struct {
	resolver *canonical.Resolver
	members  MemberLister
}

// NewLineage combines canonical resolution with a store that lists the
// records folded into a canonical participant.
func NewLineage(resolver *canonical.Resolver, members MemberLister) Lineage {
	return lineage{resolver: resolver, members: members}
}

func (l lineage) Resolve(ctx context.Context, orgID, id uuid.UUID) (uuid.UUID, error) {
	return l.resolver.Resolve(ctx, orgID, id)
}

func (l lineage) Members(ctx context.Context, orgID, canonicalID uuid.UUID) ([]uuid.UUID, error) {
	return l.members.Members(ctx, orgID, canonicalID)
}
