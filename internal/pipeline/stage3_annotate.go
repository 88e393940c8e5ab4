package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/modelclient"
	"github.com/airp2/storyforge/pkg/fn"
)

// SceneAnnotator tags each scene with structured metadata, then
// canonicalizes character names across the whole chapter.
type SceneAnnotator struct {
	cfg    AnnotationConfig
	client ChatCaller
	dir    string
}

// NewSceneAnnotator ensures annotatedDir exists and returns a
// SceneAnnotator.
func NewSceneAnnotator(cfg AnnotationConfig, client ChatCaller, annotatedDir string) (*SceneAnnotator, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if err := os.MkdirAll(annotatedDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create annotated dir: %w", err)
	}
	return &SceneAnnotator{cfg: cfg, client: client, dir: annotatedDir}, nil
}

// AnnotateChapter loads scenesFile, annotates every scene, canonicalizes
// character names, and writes "{chapterID}_annotated.json".
func (a *SceneAnnotator) AnnotateChapter(ctx context.Context, scenesFile, chapterID string) (string, error) {
	raw, err := os.ReadFile(scenesFile)
	if err != nil {
		return "", fmt.Errorf("pipeline: read scenes file: %w", err)
	}
	var data scenesFileOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("pipeline: parse scenes file: %w", err)
	}

	for start := 0; start < len(data.Scenes); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(data.Scenes) {
			end = len(data.Scenes)
		}
		batch := data.Scenes[start:end]
		metas := a.annotateBatch(ctx, batch)
		for i, m := range metas {
			md := m
			data.Scenes[start+i].Metadata = &md
		}
	}

	nameMap := a.buildNameMap(ctx, data.Scenes)
	applyNameCanonicalization(data.Scenes, nameMap)
	if err := writeNameMap(a.dir, nameMap); err != nil {
		return "", err
	}

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: encode annotated chapter: %w", err)
	}
	outFile := filepath.Join(a.dir, chapterID+"_annotated.json")
	if err := os.WriteFile(outFile, out, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write annotated chapter: %w", err)
	}
	return outFile, nil
}

// annotateBatch combines short scenes into a single prompt; otherwise it
// annotates each scene independently, with up to cfg.Concurrency
// concurrent calls.
func (a *SceneAnnotator) annotateBatch(ctx context.Context, scenes []domain.Scene) []domain.SceneMetadata {
	totalChars := 0
	for _, s := range scenes {
		totalChars += s.CharCount
	}
	if len(scenes) > 1 && totalChars < a.cfg.ShortSceneThreshold*len(scenes) {
		if combined := a.annotateBatchCombined(ctx, scenes); combined != nil {
			return combined
		}
	}
	return fn.ParMap(scenes, a.cfg.Concurrency, func(s domain.Scene) domain.SceneMetadata {
		return a.annotateSingle(ctx, s)
	})
}

func (a *SceneAnnotator) annotateSingle(ctx context.Context, scene domain.Scene) domain.SceneMetadata {
	prompt := fmt.Sprintf(annotateSinglePrompt, scene.Text)
	resp, err := a.client.Call(ctx, prompt, modelclient.CallOpts{Model: a.cfg.Model, JSONMode: true})
	if err != nil {
		return domain.DefaultSceneMetadata()
	}
	var meta domain.SceneMetadata
	if err := json.Unmarshal([]byte(resp), &meta); err != nil {
		return domain.DefaultSceneMetadata()
	}
	return fillDefaults(meta)
}

func (a *SceneAnnotator) annotateBatchCombined(ctx context.Context, scenes []domain.Scene) []domain.SceneMetadata {
	var sb strings.Builder
	for i, s := range scenes {
		fmt.Fprintf(&sb, "\n\n=== 场景 %d ===\n%s", i+1, s.Text)
	}
	prompt := fmt.Sprintf(annotateBatchPrompt, len(scenes), sb.String())

	resp, err := a.client.Call(ctx, prompt, modelclient.CallOpts{Model: a.cfg.Model, JSONMode: true})
	if err != nil {
		return nil
	}
	var parsed struct {
		Scenes []domain.SceneMetadata `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil || len(parsed.Scenes) != len(scenes) {
		return nil
	}
	out := make([]domain.SceneMetadata, len(parsed.Scenes))
	for i, m := range parsed.Scenes {
		out[i] = fillDefaults(m)
	}
	return out
}

const annotateSinglePrompt = `请为以下场景片段提取元数据，返回 JSON 格式，字段为：
characters（数组）、location、time_description、event_summary、emotion_tone、
key_dialogues（数组）、character_relations（数组）、plot_significance（high/medium/low）。

场景文本：
%s`

const annotateBatchPrompt = `请为以下 %d 个场景片段分别提取元数据，返回 JSON 格式，包含 scenes 数组，
每个场景字段同单场景标注。

场景文本：
%s`

// fillDefaults replaces any missing/empty field with the documented
// default rather than rejecting the whole annotation.
func fillDefaults(m domain.SceneMetadata) domain.SceneMetadata {
	d := domain.DefaultSceneMetadata()
	if len(m.Characters) == 0 {
		m.Characters = d.Characters
	}
	if m.Location == "" {
		m.Location = d.Location
	}
	if m.TimeDescription == "" {
		m.TimeDescription = d.TimeDescription
	}
	if m.EventSummary == "" {
		m.EventSummary = d.EventSummary
	}
	if m.EmotionTone == "" {
		m.EmotionTone = d.EmotionTone
	}
	if m.KeyDialogues == nil {
		m.KeyDialogues = d.KeyDialogues
	}
	if m.CharacterRelations == nil {
		m.CharacterRelations = d.CharacterRelations
	}
	if !domain.ValidPlotSignificance[m.PlotSignificance] {
		m.PlotSignificance = d.PlotSignificance
	}
	return m
}

// NameMap maps a character's canonical full name to its known aliases.
type NameMap map[string][]string

const nameMapFile = "character_name_map.json"

func (a *SceneAnnotator) buildNameMap(ctx context.Context, scenes []domain.Scene) NameMap {
	seen := map[string]bool{}
	var all []string
	for _, s := range scenes {
		if s.Metadata == nil {
			continue
		}
		for _, c := range s.Metadata.Characters {
			if !seen[c] {
				seen[c] = true
				all = append(all, c)
			}
		}
	}
	if len(all) == 0 {
		return NameMap{}
	}

	namesJSON, _ := json.Marshal(all)
	prompt := fmt.Sprintf(nameNormalizationPrompt, string(namesJSON))
	resp, err := a.client.Call(ctx, prompt, modelclient.CallOpts{Model: a.cfg.Model, JSONMode: true})
	if err != nil {
		return identityNameMap(all)
	}
	var nameMap NameMap
	if err := json.Unmarshal([]byte(resp), &nameMap); err != nil || len(nameMap) == 0 {
		return identityNameMap(all)
	}
	return nameMap
}

const nameNormalizationPrompt = `以下是从小说中提取的人物名称列表，请将它们归一化，把同一个人物的不同称呼合并。

人物名称：
%s

返回 JSON 格式的映射表，键是规范全名，值是该人物的所有别名/简称的数组。`

func identityNameMap(names []string) NameMap {
	m := make(NameMap, len(names))
	for _, n := range names {
		m[n] = []string{n}
	}
	return m
}

func writeNameMap(dir string, nameMap NameMap) error {
	data, err := json.MarshalIndent(nameMap, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode name map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, nameMapFile), data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write name map: %w", err)
	}
	return nil
}

// findCanonicalName returns the canonical key whose alias list contains
// name, name itself if it is already a canonical key, or name unchanged
// if it's recognized nowhere in nameMap.
func findCanonicalName(name string, nameMap NameMap) string {
	if _, ok := nameMap[name]; ok {
		return name
	}
	for canonical, aliases := range nameMap {
		for _, alias := range aliases {
			if alias == name {
				return canonical
			}
		}
	}
	return name
}

// applyNameCanonicalization replaces every scene's character list with
// canonical names, deduplicating while preserving first-occurrence
// order.
func applyNameCanonicalization(scenes []domain.Scene, nameMap NameMap) {
	for i := range scenes {
		if scenes[i].Metadata == nil {
			continue
		}
		seen := map[string]bool{}
		var normalized []string
		for _, c := range scenes[i].Metadata.Characters {
			canonical := findCanonicalName(c, nameMap)
			if canonical != "" && !seen[canonical] {
				seen[canonical] = true
				normalized = append(normalized, canonical)
			}
		}
		scenes[i].Metadata.Characters = normalized
	}
}

// RunStage3 annotates every chapter in the manifest whose status permits
// it, updating the manifest in place.
func RunStage3(ctx context.Context, cfg AnnotationConfig, client ChatCaller, chaptersDir, scenesDir, annotatedDir string, force bool, redoChapter *int) error {
	idx, err := LoadChapterIndex(chaptersDir)
	if err != nil {
		return err
	}
	annotator, err := NewSceneAnnotator(cfg, client, annotatedDir)
	if err != nil {
		return err
	}

	for i := range idx.Chapters {
		rec := &idx.Chapters[i]
		if redoChapter != nil && rec.ChapterID != targetChapterID(*redoChapter) {
			continue
		}
		if !shouldRunStage3(rec.Status, force, redoChapter != nil) {
			continue
		}
		if rec.ScenesFile == "" {
			continue
		}

		scenesFile := filepath.Join(scenesDir, rec.ScenesFile)
		annotatedFile, err := annotator.AnnotateChapter(ctx, scenesFile, rec.ChapterID)
		if err != nil {
			rec.Status = domain.ChapterAnnotationFailed
			continue
		}
		rec.Status = domain.ChapterAnnotatedDone
		rec.AnnotatedFile = filepath.Base(annotatedFile)
	}

	return SaveChapterIndex(chaptersDir, idx)
}
