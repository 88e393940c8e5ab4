package retrieval

import (
	"sort"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/queryunderstanding"
)

const (
	weightSemantic   = 0.40
	weightEntity     = 0.30
	weightNarrative  = 0.20
	weightRecency    = 0.10
)

// Rerank blends semantic/entity/narrative/recency signals into a single
// final_score per candidate and returns them sorted descending by it.
func Rerank(candidates []domain.Candidate, query domain.QueryUnderstandingResult, sessionRecentEntities []string) []domain.Candidate {
	entitySet := toSet(query.Entities)
	keywordSet := toSet(query.EventKeywords)
	if len(keywordSet) == 0 {
		keywordSet = toSet(queryunderstanding.TokenizeKeywords(query.NormalizedQuery))
	}
	sessionSet := toSet(sessionRecentEntities)

	ranked := make([]domain.Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		c := &ranked[i]
		c.EntityOverlap = entityOverlap(*c, entitySet)
		c.NarrativeFit = narrativeFit(*c, keywordSet)
		c.RecencyInSession = recencyFit(*c, sessionSet)
		c.FinalScore = c.SemanticScore*weightSemantic +
			c.EntityOverlap*weightEntity +
			c.NarrativeFit*weightNarrative +
			c.RecencyInSession*weightRecency
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinalScore > ranked[j].FinalScore
	})
	return ranked
}

func entityOverlap(c domain.Candidate, entities map[string]struct{}) float64 {
	if len(entities) == 0 {
		return 0
	}
	fields := toSet(c.Characters)
	if c.Location != "" {
		fields[c.Location] = struct{}{}
	}
	matched := intersectionSize(fields, entities)
	return float64(matched) / float64(maxInt(len(entities), 1))
}

func narrativeFit(c domain.Candidate, keywords map[string]struct{}) float64 {
	if len(keywords) == 0 {
		return 0
	}
	textBlock := strings.Join([]string{c.SceneSummary, c.EventSummary, c.Text}, " ")
	if strings.TrimSpace(textBlock) == "" {
		return 0
	}
	matched := 0
	for kw := range keywords {
		if kw != "" && strings.Contains(textBlock, kw) {
			matched++
		}
	}
	return float64(matched) / float64(maxInt(len(keywords), 1))
}

func recencyFit(c domain.Candidate, sessionEntities map[string]struct{}) float64 {
	if len(sessionEntities) == 0 {
		return 0
	}
	candidateEntities := toSet(c.Characters)
	if len(candidateEntities) == 0 {
		return 0
	}
	matched := intersectionSize(candidateEntities, sessionEntities)
	return float64(matched) / float64(maxInt(len(sessionEntities), 1))
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func intersectionSize(a, b map[string]struct{}) int {
	count := 0
	for v := range a {
		if _, ok := b[v]; ok {
			count++
		}
	}
	return count
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
