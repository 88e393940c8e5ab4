package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/vectorstore"
)

// entityTagKeywords is the fixed closed set of coarse tags inferred from
// scene text, used by the filter retrieval channel.
var entityTagKeywords = []struct {
	tag      string
	keywords []string
}{
	{"办案", []string{"案", "捕", "审", "衙门", "查"}},
	{"朝堂", []string{"朝", "帝", "官", "奏", "殿", "京城"}},
	{"修行", []string{"修行", "功法", "元神", "佛门", "道门", "气机"}},
	{"战斗", []string{"战", "军", "兵", "杀"}},
}

const defaultEntityTag = "剧情"

// inferEntityTags scans the concatenation of event summary, scene
// summary, and raw text for each tag's keyword set, falling back to the
// default tag when nothing matches.
func inferEntityTags(meta domain.SceneMetadata, sceneSummary, sceneText string) []string {
	haystack := meta.EventSummary + " " + sceneSummary + " " + sceneText
	tagSet := map[string]bool{}
	for _, kw := range entityTagKeywords {
		for _, k := range kw.keywords {
			if strings.Contains(haystack, k) {
				tagSet[kw.tag] = true
				break
			}
		}
	}
	if len(tagSet) == 0 {
		return []string{defaultEntityTag}
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	return sortStrings(tags)
}

func sortStrings(ss []string) []string {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
	return ss
}

// createAugmentedText concatenates the scene's event summary, characters,
// location, and raw text to produce the string actually embedded — the
// extra context measurably improves retrieval recall over embedding raw
// text alone.
func createAugmentedText(scene domain.Scene) string {
	var parts []string
	if scene.Metadata != nil {
		if scene.Metadata.EventSummary != "" {
			parts = append(parts, scene.Metadata.EventSummary)
		}
		if len(scene.Metadata.Characters) > 0 {
			parts = append(parts, strings.Join(scene.Metadata.Characters, " "))
		}
		if scene.Metadata.Location != "" {
			parts = append(parts, scene.Metadata.Location)
		}
	}
	parts = append(parts, scene.Text)
	return strings.Join(parts, "\n")
}

// Vectorizer embeds annotated scenes and upserts them into the vector
// store, replacing any previous points for the same chapter.
type Vectorizer struct {
	embedder Embedder
	store    *vectorstore.Store
}

// NewVectorizer returns a Vectorizer.
func NewVectorizer(embedder Embedder, store *vectorstore.Store) *Vectorizer {
	return &Vectorizer{embedder: embedder, store: store}
}

// VectorizeChapter embeds every scene in annotatedFile and upserts it,
// returning the number of points written.
func (v *Vectorizer) VectorizeChapter(ctx context.Context, annotatedFile string) (int, error) {
	raw, err := os.ReadFile(annotatedFile)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read annotated file: %w", err)
	}
	var data scenesFileOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return 0, fmt.Errorf("pipeline: parse annotated file: %w", err)
	}

	texts := make([]string, len(data.Scenes))
	for i, sc := range data.Scenes {
		texts[i] = createAugmentedText(sc)
	}

	embeddings, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("pipeline: embed scenes: %w", err)
	}
	if len(embeddings) != len(data.Scenes) {
		return 0, fmt.Errorf("pipeline: embedding count mismatch: %d != %d", len(embeddings), len(data.Scenes))
	}

	if err := v.store.DeleteByChapter(ctx, data.ChapterID); err != nil {
		return 0, fmt.Errorf("pipeline: clear existing chapter points: %w", err)
	}

	chapterNo := domain.ChapterNo(data.ChapterID)
	points := make([]vectorstore.Point, len(data.Scenes))
	for i, sc := range data.Scenes {
		meta := domain.SceneMetadata{}
		if sc.Metadata != nil {
			meta = *sc.Metadata
		}
		payload := domain.VectorPayload{
			Text:               sc.Text,
			Chapter:            data.ChapterID,
			ChapterNo:          chapterNo,
			ChapterTitle:       data.ChapterTitle,
			SceneIndex:         sc.SceneIndex,
			SceneSummary:       sc.SceneSummary,
			CharCount:          sc.CharCount,
			Characters:         meta.Characters,
			Location:           meta.Location,
			TimeDescription:    meta.TimeDescription,
			EventSummary:       meta.EventSummary,
			EmotionTone:        meta.EmotionTone,
			KeyDialogues:       meta.KeyDialogues,
			CharacterRelations: meta.CharacterRelations,
			PlotSignificance:   meta.PlotSignificance,
			Aliases:            meta.Characters,
			EntityTags:         inferEntityTags(meta, sc.SceneSummary, sc.Text),
			SpoilerLevel:       chapterNo,
		}
		points[i] = vectorstore.Point{
			ID:       vectorstore.PointID(data.ChapterID, sc.SceneIndex),
			Vector:   embeddings[i],
			Payload:  payload,
		}
	}

	if err := v.store.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("pipeline: upsert points: %w", err)
	}
	return len(points), nil
}

// RunStage4 vectorizes every chapter in the manifest whose status
// permits it, updating the manifest in place.
func RunStage4(ctx context.Context, embedder Embedder, store *vectorstore.Store, chaptersDir, annotatedDir string, force bool) error {
	idx, err := LoadChapterIndex(chaptersDir)
	if err != nil {
		return err
	}
	vec := NewVectorizer(embedder, store)

	for i := range idx.Chapters {
		rec := &idx.Chapters[i]
		if !shouldRunStage4(rec.Status, force) {
			continue
		}
		if rec.AnnotatedFile == "" {
			continue
		}

		annotatedFile := filepath.Join(annotatedDir, rec.AnnotatedFile)
		if _, err := vec.VectorizeChapter(ctx, annotatedFile); err != nil {
			rec.Status = domain.ChapterVectorizeFailed
			continue
		}
		rec.Status = domain.ChapterVectorized
	}

	return SaveChapterIndex(chaptersDir, idx)
}
