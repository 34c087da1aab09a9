// Package review turns match results into per-author decisions an operator
// can adjust before an import is applied.
package review

import (
	"github.com/google/uuid"

	"github.com/participant-hub/identity/internal/apperr"
	"github.com/participant-hub/identity/internal/models"
)

// Decisions is an ordered set of author decisions keyed by author key.
type Decisions struct {
	items []models.AuthorDecision
	index map[string]int
}

// FromMatches copies the engine's recommendation for every result.
func FromMatches(results []models.MatchResult) *Decisions {
	d := &Decisions{
		items: make([]models.AuthorDecision, 0, len(results)),
		index: make(map[string]int, len(results)),
	}
	for _, r := range results {
		dec := models.MergeDecision{Action: models.ActionCreateNew}
		if r.RecommendedAction == models.ActionMerge && r.Participant != nil {
			id := r.Participant.ID
			dec = models.MergeDecision{Action: models.ActionMerge, TargetID: &id}
		}
		d.add(r.Author, dec, matchedID(r))
	}
	return d
}

// FromDecisions wraps decisions received from a client, e.g. an HTTP body.
func FromDecisions(in []models.AuthorDecision) *Decisions {
	d := &Decisions{
		items: make([]models.AuthorDecision, 0, len(in)),
		index: make(map[string]int, len(in)),
	}
	for _, ad := range in {
		d.add(ad.Author, ad.Decision, ad.MatchedID)
	}
	return d
}

func (d *Decisions) add(a models.ImportedAuthor, dec models.MergeDecision, matched *uuid.UUID) {
	key := a.Key()
	if i, ok := d.index[key]; ok {
		// same author twice in one export: keep the first, fold activity
		cur := &d.items[i].Author
		cur.InteractionCount += a.InteractionCount
		if !a.FirstSeenAt.IsZero() && (cur.FirstSeenAt.IsZero() || a.FirstSeenAt.Before(cur.FirstSeenAt)) {
			cur.FirstSeenAt = a.FirstSeenAt
		}
		if a.LastSeenAt.After(cur.LastSeenAt) {
			cur.LastSeenAt = a.LastSeenAt
		}
		return
	}
	d.index[key] = len(d.items)
	d.items = append(d.items, models.AuthorDecision{Author: a, Decision: dec, MatchedID: matched})
}

func matchedID(r models.MatchResult) *uuid.UUID {
	if r.Participant == nil {
		return nil
	}
	id := r.Participant.ID
	return &id
}

// MergeAllMatched sets every entry that has a matched candidate to merge.
// Entries without a match are left as they are.
func (d *Decisions) MergeAllMatched() {
	for i := range d.items {
		if m := d.items[i].MatchedID; m != nil {
			id := *m
			d.items[i].Decision = models.MergeDecision{Action: models.ActionMerge, TargetID: &id}
		}
	}
}

// CreateAllNew discards every match and creates new participants.
func (d *Decisions) CreateAllNew() {
	d.setAll(models.ActionCreateNew)
}

// SkipAll excludes every author from the import.
func (d *Decisions) SkipAll() {
	d.setAll(models.ActionSkip)
}

func (d *Decisions) setAll(action string) {
	for i := range d.items {
		d.items[i].Decision = models.MergeDecision{Action: action}
	}
}

// Override replaces the decision for one author.
func (d *Decisions) Override(authorKey string, dec models.MergeDecision) error {
	i, ok := d.index[authorKey]
	if !ok {
		return apperr.NotFound("author %q is not part of this import", authorKey)
	}
	if err := dec.Validate(); err != nil {
		return apperr.Validation("author %q: %v", authorKey, err)
	}
	d.items[i].Decision = dec
	return nil
}

// Validate checks every decision. Errors name the offending author.
func (d *Decisions) Validate() error {
	for _, it := range d.items {
		if err := it.Decision.Validate(); err != nil {
			return apperr.Validation("author %q: %v", it.Author.Key(), err).
				WithDetails(map[string]any{"author_key": it.Author.Key()})
		}
		if it.Author.Name == "" && it.Author.ExternalID == nil && it.Author.Handle == nil {
			return apperr.Validation("author without name, handle or external id")
		}
	}
	return nil
}

// List returns the decisions in input order.
func (d *Decisions) List() []models.AuthorDecision {
	out := make([]models.AuthorDecision, len(d.items))
	copy(out, d.items)
	return out
}

// Counts tallies decisions by action.
func (d *Decisions) Counts() map[string]int {
	out := map[string]int{}
	for _, it := range d.items {
		out[it.Decision.Action]++
	}
	return out
}

// ApplyBulk applies one of the named bulk operations used by the API and CLI.
func (d *Decisions) ApplyBulk(op string) error {
	switch op {
	case "", BulkNone:
	case BulkMergeMatched:
		d.MergeAllMatched()
	case BulkCreateNew:
		d.CreateAllNew()
	case BulkSkip:
		d.SkipAll()
	default:
		return apperr.Validation("unknown bulk operation %q", op)
	}
	return nil
}

// Bulk operations
const (
	BulkNone         = "none"
	BulkMergeMatched = "merge_matched"
	BulkCreateNew    = "create_new"
	BulkSkip         = "skip"
)
