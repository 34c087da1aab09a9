package matching

import (
	"context"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/participant-hub/identity/internal/metrics"
	"github.com/participant-hub/identity/internal/models"
	"github.com/participant-hub/identity/internal/similarity"
)

// parallelThreshold is the batch size above which authors are scored concurrently.
const parallelThreshold = 64

type Engine struct {
	policy  Policy
	workers int
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(policy Policy, workers int, log *zap.Logger, m *metrics.Metrics) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{policy: policy.Normalize(), workers: workers, log: log, metrics: m}
}

func (e *Engine) Policy() Policy { return e.policy }

// candidateView caches the lowercased fields of one candidate for a batch.
type candidateView struct {
	c           *models.Candidate
	handle      string
	sourceFull  string
	sourceFirst string
	display     string
}

// index is built once per Match call so every author sees the same snapshot.
type index struct {
	views    []candidateView
	byID     map[int64]int
	byHandle map[string]int
}

func buildIndex(candidates []models.Candidate) *index {
	idx := &index{
		views:    make([]candidateView, len(candidates)),
		byID:     make(map[int64]int, len(candidates)),
		byHandle: make(map[string]int, len(candidates)),
	}
	for i := range candidates {
		c := &candidates[i]
		v := candidateView{
			c:           c,
			handle:      lowerDeref(c.Username),
			sourceFull:  similarity.Normalize(models.JoinName(c.TgFirstName, c.TgLastName)),
			sourceFirst: similarity.Normalize(deref(c.TgFirstName)),
			display:     similarity.Normalize(deref(c.FullName)),
		}
		v.handle = strings.TrimPrefix(v.handle, "@")
		idx.views[i] = v

		// first enumerated candidate wins on duplicates
		if c.TgUserID != nil {
			if _, ok := idx.byID[*c.TgUserID]; !ok {
				idx.byID[*c.TgUserID] = i
			}
		}
		if v.handle != "" {
			if _, ok := idx.byHandle[v.handle]; !ok {
				idx.byHandle[v.handle] = i
			}
		}
	}
	return idx
}

// Match scores every non-bot author against the candidate set. Output order
// follows input order with bots removed. Candidates must belong to one org.
func (e *Engine) Match(ctx context.Context, candidates []models.Candidate, authors []models.ImportedAuthor) ([]models.MatchResult, error) {
	kept := make([]models.ImportedAuthor, 0, len(authors))
	for _, a := range authors {
		if e.policy.IsBot(a.Name, a.Handle) {
			continue
		}
		kept = append(kept, a)
	}
	if skipped := len(authors) - len(kept); skipped > 0 {
		e.metrics.IncBotsSkipped(skipped)
		e.log.Debug("bots excluded from matching", zap.Int("count", skipped))
	}

	idx := buildIndex(candidates)
	results := make([]models.MatchResult, len(kept))

	if len(kept) <= parallelThreshold {
		for i := range kept {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = e.matchOne(idx, kept[i])
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i := range kept {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = e.matchOne(idx, kept[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for i := range results {
		e.metrics.ObserveMatch(results[i].Tier)
	}
	return results, nil
}

// Rank scores one author against each candidate on its own and returns the
// candidates that would be recommended for merge, best first. Ties keep
// candidate order. Bot filtering does not apply.
func (e *Engine) Rank(ctx context.Context, candidates []models.Candidate, author models.ImportedAuthor) ([]models.MatchResult, error) {
	var out []models.MatchResult
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := e.matchOne(buildIndex(candidates[i:i+1]), author)
		if res.RecommendedAction == models.ActionMerge {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

func (e *Engine) matchOne(idx *index, a models.ImportedAuthor) models.MatchResult {
	res := models.MatchResult{Author: a, Tier: models.TierNone}
	cand, tier, conf := e.findMatch(idx, a)
	if cand != nil {
		res.Participant = cand
		res.Tier = tier
		res.Confidence = conf
	}
	if res.Participant != nil && res.Confidence > e.policy.MergeThreshold {
		res.RecommendedAction = models.ActionMerge
	} else {
		res.RecommendedAction = models.ActionCreateNew
	}
	return res
}

func (e *Engine) findMatch(idx *index, a models.ImportedAuthor) (*models.Candidate, string, int) {
	conf := e.policy.Confidence

	if a.ExternalID != nil {
		if i, ok := idx.byID[*a.ExternalID]; ok {
			return idx.views[i].c, models.TierExactID, conf.ExactID
		}
	}

	if a.Handle != nil {
		h := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(*a.Handle)), "@")
		if i, ok := idx.byHandle[h]; ok && h != "" {
			return idx.views[i].c, models.TierExactHandle, conf.ExactHandle
		}
	}

	name := similarity.Normalize(a.Name)
	if name == "" {
		return nil, models.TierNone, 0
	}
	singleToken := !strings.Contains(name, " ")

	for i := range idx.views {
		v := &idx.views[i]
		if v.sourceFull != "" && v.sourceFull == name {
			return v.c, models.TierExactName, conf.SourceName
		}
		if singleToken && v.sourceFirst != "" && v.sourceFirst == name {
			return v.c, models.TierExactName, conf.SourceName
		}
	}

	for i := range idx.views {
		if v := &idx.views[i]; v.display != "" && v.display == name {
			return v.c, models.TierExactName, conf.DisplayName
		}
	}

	for i := range idx.views {
		v := &idx.views[i]
		if v.display == "" {
			continue
		}
		first, _, _ := strings.Cut(v.display, " ")
		if first == name || strings.Contains(v.display, name) {
			return v.c, models.TierPartialName, conf.PartialName
		}
	}

	best, bestScore := -1, 0.0
	for i := range idx.views {
		v := &idx.views[i]
		if v.display == "" {
			continue
		}
		// strict > keeps the first candidate on ties
		if s := similarity.Ratio(name, v.display); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 && bestScore >= e.policy.FuzzyThreshold {
		return idx.views[best].c, models.TierFuzzy, int(math.Round(bestScore * 100))
	}
	return nil, models.TierNone, 0
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func lowerDeref(s *string) string {
	return strings.ToLower(strings.TrimSpace(deref(s)))
}
