package retrieval

import (
	"context"
	"time"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/pkg/fn"
)

const defaultMaxCandidates = 60

// Orchestrator runs the three retrieval channels concurrently, merges and
// deduplicates their output, applies the spoiler boundary, and reranks
// the survivors.
type Orchestrator struct {
	Vector  *VectorChannel
	Filter  *FilterChannel
	Profile *ProfileChannel

	VectorTopK  int
	FilterTopK  int
	ProfileTopK int
}

// Debug carries per-channel counts, timings, and errors for observability,
// mirroring the reference orchestrator's debug dict.
type Debug struct {
	Counts  map[string]int
	Timing  map[string]time.Duration
	Errors  map[string]string
}

type channelResult struct {
	name       string
	candidates []domain.Candidate
	err        error
	elapsed    time.Duration
}

// Retrieve executes all three channels, dedupes, filters spoilers, reranks,
// and truncates to maxCandidates (0 uses the documented default of 60).
func (o *Orchestrator) Retrieve(ctx context.Context, query domain.QueryUnderstandingResult, sessionRecentEntities []string, maxCandidates int) ([]domain.Candidate, Debug) {
	start := time.Now()

	results := fn.FanOut(
		func() channelResult {
			begin := time.Now()
			candidates, err := o.Vector.Query(ctx, query.NormalizedQuery, query.Constraints.ActiveCharacters, query.Locations, query.Constraints.UnlockedChapter)
			return channelResult{name: "vector", candidates: candidates, err: err, elapsed: time.Since(begin)}
		},
		func() channelResult {
			begin := time.Now()
			candidates, err := o.Filter.Query(ctx, query.Entities, query.Locations, query.Constraints.UnlockedChapter)
			return channelResult{name: "filter", candidates: candidates, err: err, elapsed: time.Since(begin)}
		},
		func() channelResult {
			begin := time.Now()
			profileEntities := query.Entities
			if len(profileEntities) == 0 {
				profileEntities = query.Constraints.ActiveCharacters
			}
			candidates := o.Profile.Query(profileEntities, o.ProfileTopK)
			return channelResult{name: "profile", candidates: candidates, err: nil, elapsed: time.Since(begin)}
		},
	)

	debug := Debug{
		Counts: make(map[string]int, 6),
		Timing: make(map[string]time.Duration, 4),
		Errors: make(map[string]string),
	}

	var merged []domain.Candidate
	for _, r := range results {
		debug.Counts[r.name] = len(r.candidates)
		debug.Timing[r.name] = r.elapsed
		if r.err != nil {
			debug.Errors[r.name] = r.err.Error()
			continue
		}
		merged = append(merged, r.candidates...)
	}
	debug.Counts["merged_before_dedupe"] = len(merged)

	deduped := dedupeKeepHighestScore(merged)
	debug.Counts["merged"] = len(deduped)

	spoilerFiltered := filterSpoilers(deduped, query.Constraints.UnlockedChapter)
	debug.Counts["after_spoiler_filter"] = len(spoilerFiltered)

	ranked := Rerank(spoilerFiltered, query, sessionRecentEntities)

	limit := maxCandidates
	if limit <= 0 {
		limit = defaultMaxCandidates
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	debug.Counts["ranked"] = len(ranked)
	debug.Timing["total"] = time.Since(start)

	return ranked, debug
}

// dedupeKeepHighestScore collapses candidates sharing a DedupeKey, keeping
// whichever has the higher SemanticScore — pkg/fn.UniqueBy keeps the
// first-seen element, which isn't what multi-channel recall needs here,
// so this generalizes it with a "keep highest" reducer instead.
func dedupeKeepHighestScore(items []domain.Candidate) []domain.Candidate {
	order := make([]string, 0, len(items))
	bucket := make(map[string]domain.Candidate, len(items))
	for _, item := range items {
		key := item.DedupeKey
		best, ok := bucket[key]
		if !ok {
			order = append(order, key)
			bucket[key] = item
			continue
		}
		if item.SemanticScore > best.SemanticScore {
			bucket[key] = item
		}
	}
	out := make([]domain.Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, bucket[key])
	}
	return out
}

// filterSpoilers removes scene candidates whose known chapter_no exceeds
// unlockedChapter. Candidates with an unknown chapter_no, and every
// profile candidate, are kept conservatively.
func filterSpoilers(candidates []domain.Candidate, unlockedChapter int) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceType != "scene" {
			out = append(out, c)
			continue
		}
		if !c.HasChapterNo || c.ChapterNo <= unlockedChapter {
			out = append(out, c)
		}
	}
	return out
}
