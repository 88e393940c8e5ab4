// Package worldbook assembles grounded evidence from ranked retrieval
// candidates into the structured context handed to the final reply, and
// enforces the citation-grounded, no-fabrication response contract.
package worldbook

import (
	"sort"
	"strconv"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
)

const (
	defaultMaxFacts   = 8
	factExcerptLimit  = 180
	factTextLimit     = 140
	characterSummaryLimit = 220
	profileCitationExcerptLimit = 120
)

// Builder assembles a domain.WorldbookContext and its matching citations
// from the top maxFacts ranked candidates.
type Builder struct {
	MaxFacts int
}

// NewBuilder returns a Builder using the documented default of 8 facts.
func NewBuilder() *Builder {
	return &Builder{MaxFacts: defaultMaxFacts}
}

// Build selects the top MaxFacts candidates and produces facts,
// character_state, timeline_notes, and forbidden entries plus the
// matching citations slice.
func (b *Builder) Build(candidates []domain.Candidate, query domain.QueryUnderstandingResult) (domain.WorldbookContext, []domain.Citation) {
	maxFacts := b.MaxFacts
	if maxFacts <= 0 {
		maxFacts = defaultMaxFacts
	}
	selected := candidates
	if len(selected) > maxFacts {
		selected = selected[:maxFacts]
	}

	var ctx domain.WorldbookContext
	var citations []domain.Citation

	for _, item := range selected {
		switch item.SourceType {
		case "scene":
			factText := firstNonEmpty(item.EventSummary, item.SceneSummary, shortenText(item.Text, factTextLimit))
			excerpt := shortenText(item.Text, factExcerptLimit)
			ctx.Facts = append(ctx.Facts, domain.Fact{
				FactText:      factText,
				SourceChapter: item.Chapter,
				SourceScene:   item.SceneIndex,
				Excerpt:       excerpt,
				Confidence:    round4(item.FinalScore),
			})
			sceneIndex := item.SceneIndex
			citations = append(citations, domain.Citation{
				SourceType: "scene",
				Chapter:    item.Chapter,
				SceneIndex: &sceneIndex,
			})
		case "profile":
			ctx.CharacterState = append(ctx.CharacterState, domain.CharacterState{
				Character:  item.SourceID,
				Summary:    shortenText(item.Text, characterSummaryLimit),
				Confidence: round4(item.FinalScore),
			})
			citations = append(citations, domain.Citation{
				SourceType: "profile",
				Character:  item.SourceID,
			})
		}
	}

	ctx.TimelineNotes = timelineNotes(selected, maxFacts)

	ctx.Forbidden = []string{
		"禁止编造未在证据中的设定。",
		"若证据不足必须明确说明，不能强行续写事实。",
	}
	if query.Constraints.UnlockedChapter > 0 {
		ctx.Forbidden = append(ctx.Forbidden, "禁止引用 chapter>"+strconv.Itoa(query.Constraints.UnlockedChapter)+" 的信息（防剧透）。")
	}

	return ctx, citations
}

// timelineNotes re-sorts the selected scene candidates by
// (chapter_no, scene_index) ascending; candidates with an unknown
// chapter_no sort last.
func timelineNotes(selected []domain.Candidate, maxFacts int) []domain.Fact {
	scenes := make([]domain.Candidate, 0, len(selected))
	for _, item := range selected {
		if item.SourceType == "scene" {
			scenes = append(scenes, item)
		}
	}

	sort.SliceStable(scenes, func(i, j int) bool {
		iKey, jKey := timelineSortKey(scenes[i]), timelineSortKey(scenes[j])
		if iKey != jKey {
			return iKey < jKey
		}
		return scenes[i].SceneIndex < scenes[j].SceneIndex
	})

	if len(scenes) > maxFacts {
		scenes = scenes[:maxFacts]
	}

	notes := make([]domain.Fact, len(scenes))
	for i, item := range scenes {
		notes[i] = domain.Fact{
			FactText:      firstNonEmpty(item.EventSummary, item.SceneSummary, shortenText(item.Text, 100)),
			SourceChapter: item.Chapter,
			SourceScene:   item.SceneIndex,
		}
	}
	return notes
}

func timelineSortKey(c domain.Candidate) int {
	if !c.HasChapterNo {
		return int(^uint(0) >> 1)
	}
	return c.ChapterNo
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func round4(v float64) float64 {
	scaled := v * 10000
	rounded := float64(int64(scaled + 0.5))
	if scaled < 0 {
		rounded = float64(int64(scaled - 0.5))
	}
	return rounded / 10000
}

func shortenText(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	runes := []rune(compact)
	if len(runes) <= limit {
		return compact
	}
	cut := limit - 3
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + "..."
}
