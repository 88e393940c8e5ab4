// Package queryunderstanding turns one raw conversational message into a
// structured intent/entity/location/constraint representation that the
// retrieval orchestrator filters and ranks against.
package queryunderstanding

import (
	"strings"

	"github.com/airp2/storyforge/internal/domain"
)

// intentRule is one (intent, trigger keywords) pair, checked in order; the
// first rule with a matching keyword wins.
type intentRule struct {
	intent   string
	keywords []string
}

// intentRules is the keyword-priority intent table. Order is significant:
// character_relation and location_query are checked before the more general
// canon_check/next_action/story_recap rules.
var intentRules = []intentRule{
	{domain.IntentCharacterRelation, []string{"关系", "什么关系", "谁和谁", "是否认识", "立场"}},
	{domain.IntentLocationQuery, []string{"在哪", "哪里", "地点", "去过", "位于", "方位"}},
	{domain.IntentCanonCheck, []string{"设定", "依据", "证据", "原文", "真实吗", "是否属实"}},
	{domain.IntentNextAction, []string{"下一步", "接下来", "怎么办", "如何行动", "建议"}},
	{domain.IntentStoryRecap, []string{"回顾", "总结", "之前", "经过", "复盘", "发生了什么"}},
}

// Service extracts intent/entities/locations/constraints from conversation
// input, using a character dictionary built once at construction time from
// the novel's profile files and alias map.
type Service struct {
	characterNames []string
	aliasOrder     []aliasEntry
}

// New builds a Service for one novel's workspace. profilesDir and
// annotatedDir are read once; rerunning the pipeline after New is called
// does not refresh the in-memory dictionary, so callers reconstruct a
// Service after a pipeline run updates profiles or the name map.
func New(profilesDir, annotatedDir string) *Service {
	names, _, aliasOrder := buildCharacterDictionary(profilesDir, annotatedDir)
	return &Service{characterNames: names, aliasOrder: aliasOrder}
}

// Input bundles the optional context Understand considers beyond the raw
// message text.
type Input struct {
	History          []domain.Turn
	Session          *domain.SessionState
	UnlockedChapter  *int
	ActiveCharacters []string
}

// Understand parses one user query into a domain.QueryUnderstandingResult.
func (s *Service) Understand(message string, in Input) domain.QueryUnderstandingResult {
	text := strings.TrimSpace(message)

	intent := s.detectIntent(text)
	entities := s.extractEntities(text, in)
	locations := extractLocations(text)
	keywords := TokenizeKeywords(text)

	sessionMaxUnlocked := 0
	var sessionActive []string
	if in.Session != nil {
		sessionMaxUnlocked = in.Session.MaxUnlockedChapter
		sessionActive = in.Session.ActiveCharacters
	}

	effectiveUnlocked := sessionMaxUnlocked
	if in.UnlockedChapter != nil && *in.UnlockedChapter > effectiveUnlocked {
		effectiveUnlocked = *in.UnlockedChapter
	}

	activeCharacters := in.ActiveCharacters
	if len(activeCharacters) == 0 {
		activeCharacters = sessionActive
	}

	constraints := domain.QueryConstraints{
		UnlockedChapter:  effectiveUnlocked,
		ActiveCharacters: normalizeEntities(activeCharacters),
		LocationHints:    locations,
	}

	normalizedQuery := text
	if len(in.History) > 0 {
		recent := in.History
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		lines := make([]string, 0, len(recent)+1)
		for _, turn := range recent {
			lines = append(lines, turn.Content)
		}
		lines = append(lines, text)
		normalizedQuery = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	return domain.QueryUnderstandingResult{
		Intent:          intent,
		NormalizedQuery: normalizedQuery,
		Entities:        entities,
		Locations:       locations,
		EventKeywords:   keywords,
		Constraints:     constraints,
	}
}

func (s *Service) detectIntent(text string) string {
	lowered := strings.ToLower(text)
	for _, rule := range intentRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(text, keyword) || strings.Contains(lowered, keyword) {
				return rule.intent
			}
		}
	}
	return domain.IntentStoryRecap
}

// extractEntities matches the alias map first, then bare canonical names,
// then falls back in order to runtime active characters, session active
// characters, and finally a scan of the last four turns of history.
func (s *Service) extractEntities(text string, in Input) []string {
	var matched []string

	for _, e := range s.aliasOrder {
		if e.alias != "" && strings.Contains(text, e.alias) {
			matched = append(matched, e.canonical)
		}
	}

	if len(matched) == 0 {
		for _, name := range s.characterNames {
			if name != "" && strings.Contains(text, name) {
				matched = append(matched, name)
			}
		}
	}

	if len(matched) == 0 && len(in.ActiveCharacters) > 0 {
		matched = append(matched, in.ActiveCharacters...)
	}

	if len(matched) == 0 && in.Session != nil && len(in.Session.ActiveCharacters) > 0 {
		matched = append(matched, in.Session.ActiveCharacters...)
	}

	if len(matched) == 0 && len(in.History) > 0 {
		recent := in.History
		if len(recent) > 4 {
			recent = recent[len(recent)-4:]
		}
		var historyText strings.Builder
		for _, turn := range recent {
			historyText.WriteString(turn.Content)
			historyText.WriteByte('\n')
		}
		combined := historyText.String()
		for _, e := range s.aliasOrder {
			if e.alias != "" && strings.Contains(combined, e.alias) {
				matched = append(matched, e.canonical)
			}
		}
	}

	return normalizeEntities(matched)
}
