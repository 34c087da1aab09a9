// Package canonical maps participant ids to the terminal record of their
// merge chain.
package canonical

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/participant-hub/identity/internal/apperr"
)

const DefaultMaxDepth = 16

// Graph is a snapshot of merge pointers. A key present with a nil value is a
// canonical record; a missing key means the record does not exist.
type Graph map[uuid.UUID]*uuid.UUID

// Link records that child points at parent.
func (g Graph) Link(child, parent uuid.UUID) {
	p := parent
	g[child] = &p
	if _, ok := g[parent]; !ok {
		g[parent] = nil
	}
}

// MergeGraph lets a prebuilt snapshot act as a Source.
func (g Graph) MergeGraph(_ context.Context, _ uuid.UUID, _ []uuid.UUID, _ int) (Graph, error) {
	return g, nil
}

// Resolve follows merged_into pointers from id until a record without one.
// It returns apperr.ErrNotFound for unknown ids, and ErrCycle or ErrTooDeep
// when the chain is broken. It has no side effects.
func Resolve(g Graph, id uuid.UUID, maxDepth int) (uuid.UUID, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	seen := make(map[uuid.UUID]struct{}, 4)
	cur := id
	for hops := 0; ; hops++ {
		parent, ok := g[cur]
		if !ok {
			if cur == id {
				return uuid.Nil, fmt.Errorf("participant %s: %w", id, apperr.ErrNotFound)
			}
			// dangling pointer
			return uuid.Nil, fmt.Errorf("participant %s points at missing %s: %w", id, cur, apperr.ErrNotFound)
		}
		if parent == nil {
			return cur, nil
		}
		if *parent == cur {
			return uuid.Nil, fmt.Errorf("participant %s points at itself: %w", cur, apperr.ErrCycle)
		}
		if hops >= maxDepth {
			return uuid.Nil, fmt.Errorf("participant %s: more than %d hops: %w", id, maxDepth, apperr.ErrTooDeep)
		}
		seen[cur] = struct{}{}
		if _, loop := seen[*parent]; loop {
			return uuid.Nil, fmt.Errorf("participant %s: revisits %s: %w", id, *parent, apperr.ErrCycle)
		}
		cur = *parent
	}
}

// Source loads the merge chain for the given ids within one organization.
// Implementations should include every record reachable from ids, up to
// maxDepth hops, and may include more.
type Source interface {
	MergeGraph(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID, maxDepth int) (Graph, error)
}

type Resolver struct {
	src      Source
	maxDepth int
}

func NewResolver(src Source, maxDepth int) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{src: src, maxDepth: maxDepth}
}

func (r *Resolver) MaxDepth() int { return r.maxDepth }

// Resolve returns the canonical id for id. Broken chains are reported as
// persistence errors, unknown ids as not found.
func (r *Resolver) Resolve(ctx context.Context, orgID, id uuid.UUID) (uuid.UUID, error) {
	out, err := r.ResolveMany(ctx, orgID, []uuid.UUID{id})
	if err != nil {
		return uuid.Nil, err
	}
	return out[id], nil
}

// ResolveMany resolves all ids against one snapshot of the pointer graph.
func (r *Resolver) ResolveMany(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	g, err := r.src.MergeGraph(ctx, orgID, ids, r.maxDepth)
	if err != nil {
		return nil, apperr.Persistence(err, "load merge graph")
	}
	out := make(map[uuid.UUID]uuid.UUID, len(ids))
	for _, id := range ids {
		c, err := Resolve(g, id, r.maxDepth)
		if err != nil {
			return nil, classify(id, err)
		}
		out[id] = c
	}
	return out, nil
}

func classify(id uuid.UUID, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return apperr.NotFound("participant %s not found", id).WithDetails(map[string]any{"participant_id": id})
	default:
		return apperr.Persistence(err, "resolve canonical id for %s", id)
	}
}
