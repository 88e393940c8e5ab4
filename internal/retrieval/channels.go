// Package retrieval runs the semantic, structured-filter, and profile
// retrieval channels concurrently, merges and deduplicates their
// candidates, applies the spoiler boundary, and reranks the survivors
// into a single evidence list.
package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/vectorstore"
)

// Embedder is the subset of *modelclient.EmbedClient the semantic channel
// needs, narrowed so tests can inject a fake.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	filterBaselineScore  = 0.55
	profileBaselineScore = 0.50
	excerptLimit         = 180
)

// VectorChannel runs semantic k-NN search against the scene vector store,
// normalizing the provider's raw score into [0,1].
type VectorChannel struct {
	Embedder Embedder
	Store    *vectorstore.Store
	TopK     int
}

// Query embeds normalizedQuery and searches the store, dropping any scene
// whose known chapter_no exceeds unlockedChapter.
func (c *VectorChannel) Query(ctx context.Context, normalizedQuery string, activeCharacters, locationHints []string, unlockedChapter int) ([]domain.Candidate, error) {
	if normalizedQuery == "" {
		return nil, nil
	}

	vectors, err := c.Embedder.Embed(ctx, []string{normalizedQuery})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var filter *vectorstore.Filter
	if len(activeCharacters) > 0 || len(locationHints) > 0 {
		filter = &vectorstore.Filter{AnyCharacters: activeCharacters, AnyLocations: locationHints}
	}

	hits, err := c.Store.Search(ctx, vectors[0], topKOrDefault(c.TopK, 30), filter)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(hits))
	for _, hit := range hits {
		candidate := candidateFromPayload(hit.ID, hit.Payload)
		if candidate.HasChapterNo && candidate.ChapterNo > unlockedChapter {
			continue
		}
		candidate.SemanticScore = normalizeSemanticScore(float64(hit.Score))
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func normalizeSemanticScore(raw float64) float64 {
	switch {
	case raw < -1.0:
		return 0.0
	case raw <= 1.0:
		return (raw + 1.0) / 2.0
	default:
		if raw > 1.0 {
			return 1.0
		}
		return raw
	}
}

// FilterChannel recalls candidates by metadata association alone (no
// query vector), via the store's Scroll operation.
type FilterChannel struct {
	Store *vectorstore.Store
	TopK  int
}

// Query returns up to TopK candidates whose characters or location match
// one of entities/locations, each carrying the fixed filterBaselineScore.
func (c *FilterChannel) Query(ctx context.Context, entities, locations []string, unlockedChapter int) ([]domain.Candidate, error) {
	if len(entities) == 0 && len(locations) == 0 {
		return nil, nil
	}

	hits, err := c.Store.Scroll(ctx, topKOrDefault(c.TopK, 20), &vectorstore.Filter{AnyCharacters: entities, AnyLocations: locations})
	if errors.Is(err, domain.ErrCollectionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(hits))
	for _, hit := range hits {
		candidate := candidateFromPayload(hit.ID, hit.Payload)
		if candidate.HasChapterNo && candidate.ChapterNo > unlockedChapter {
			continue
		}
		candidate.SemanticScore = filterBaselineScore
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// ProfileChannel reads character profile Markdown files as supplemental
// evidence, matching entity names to filenames.
type ProfileChannel struct {
	ProfilesDir string
}

// Query matches each entity to a profile file (exact filename first, then
// substring) and returns its Markdown body as a profile candidate,
// stopping once topK results are collected.
func (c *ProfileChannel) Query(entities []string, topK int) []domain.Candidate {
	entities = normalizeEntityNames(entities)
	if len(entities) == 0 {
		return nil
	}

	files, err := os.ReadDir(c.ProfilesDir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(strings.ToLower(f.Name()), ".md") {
			names = append(names, f.Name())
		}
	}

	limit := topKOrDefault(topK, 10)
	var candidates []domain.Candidate
	for _, entity := range entities {
		matched := matchProfileFile(entity, names)
		if matched == "" {
			continue
		}
		path := filepath.Join(c.ProfilesDir, matched)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		stem := strings.TrimSuffix(matched, filepath.Ext(matched))
		candidates = append(candidates, domain.Candidate{
			SourceType:    "profile",
			SourceID:      stem,
			DedupeKey:     domain.DedupeKeyFor("profile", stem, "", 0),
			Text:          string(content),
			Excerpt:       shortenText(string(content), excerptLimit),
			Characters:    []string{stem},
			SemanticScore: profileBaselineScore,
		})
		if len(candidates) >= limit {
			break
		}
	}
	return candidates
}

func matchProfileFile(entity string, files []string) string {
	direct := entity + ".md"
	for _, name := range files {
		if name == direct {
			return name
		}
	}
	for _, name := range files {
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if strings.Contains(stem, entity) || strings.Contains(entity, stem) {
			return name
		}
	}
	return ""
}

func normalizeEntityNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func candidateFromPayload(id string, p domain.VectorPayload) domain.Candidate {
	chapterNo := p.ChapterNo
	if chapterNo == 0 {
		chapterNo = domain.ChapterNo(p.Chapter)
	}
	return domain.Candidate{
		SourceType:   "scene",
		SourceID:     id,
		DedupeKey:    domain.DedupeKeyFor("scene", id, p.Chapter, p.SceneIndex),
		Chapter:      p.Chapter,
		ChapterNo:    chapterNo,
		HasChapterNo: chapterNo > 0,
		SceneIndex:   p.SceneIndex,
		ChapterTitle: p.ChapterTitle,
		Text:         p.Text,
		SceneSummary: p.SceneSummary,
		EventSummary: p.EventSummary,
		Characters:   p.Characters,
		Location:     p.Location,
		Excerpt:      shortenText(p.Text, excerptLimit),
	}
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

func topKOrDefault(topK, def int) int {
	if topK <= 0 {
		return def
	}
	return topK
}
