package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/airp2/storyforge/internal/domain"
)

func writeScenesFile(t *testing.T, dir, chapterID string, scenes []domain.Scene) string {
	t.Helper()
	out := scenesFileOutput{
		SourceFile:   "chapter_0001.txt",
		ChapterID:    chapterID,
		ChapterTitle: "第一章",
		TotalScenes:  len(scenes),
		CoverageRate: 1.0,
		Scenes:       scenes,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		t.Fatalf("marshal scenes file: %v", err)
	}
	path := filepath.Join(dir, chapterID+"_scenes.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write scenes file: %v", err)
	}
	return path
}

func TestAnnotateChapterFillsMetadataFromModel(t *testing.T) {
	dir := t.TempDir()
	scenesDir := filepath.Join(dir, "scenes")
	if err := os.MkdirAll(scenesDir, 0o755); err != nil {
		t.Fatalf("mkdir scenes: %v", err)
	}
	scenes := []domain.Scene{
		{SceneIndex: 0, Text: "李逍遥走进客栈，点了一壶酒。", CharCount: 2000, SceneSummary: "进客栈"},
	}
	scenesFile := writeScenesFile(t, scenesDir, "chapter_0001", scenes)

	meta := domain.SceneMetadata{
		Characters:       []string{"逍遥哥哥"},
		Location:         "客栈",
		EventSummary:     "李逍遥饮酒",
		PlotSignificance: domain.PlotHigh,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	nameMap := NameMap{"李逍遥": {"逍遥哥哥", "李逍遥"}}
	nameMapJSON, err := json.Marshal(nameMap)
	if err != nil {
		t.Fatalf("marshal name map: %v", err)
	}

	client := &fakeChatCaller{responses: []string{string(metaJSON), string(nameMapJSON)}}
	annotatedDir := filepath.Join(dir, "annotated")
	annotator, err := NewSceneAnnotator(AnnotationConfig{BatchSize: 5, Concurrency: 1}, client, annotatedDir)
	if err != nil {
		t.Fatalf("new annotator: %v", err)
	}

	outFile, err := annotator.AnnotateChapter(context.Background(), scenesFile, "chapter_0001")
	if err != nil {
		t.Fatalf("annotate chapter: %v", err)
	}

	raw, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out scenesFileOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Scenes[0].Metadata == nil {
		t.Fatal("expected metadata to be attached")
	}
	if out.Scenes[0].Metadata.Characters[0] != "李逍遥" {
		t.Fatalf("expected character name canonicalized to 李逍遥, got %v", out.Scenes[0].Metadata.Characters)
	}

	if _, err := os.Stat(filepath.Join(annotatedDir, nameMapFile)); err != nil {
		t.Fatalf("expected name map file to be written: %v", err)
	}
}

func TestAnnotateSingleFallsBackToDefaultsOnModelError(t *testing.T) {
	dir := t.TempDir()
	client := &fakeChatCaller{err: errModelUnavailable}
	annotator, err := NewSceneAnnotator(AnnotationConfig{}, client, dir)
	if err != nil {
		t.Fatalf("new annotator: %v", err)
	}

	meta := annotator.annotateSingle(context.Background(), domain.Scene{Text: "场景文本"})
	want := domain.DefaultSceneMetadata()
	if meta.Location != want.Location || meta.PlotSignificance != want.PlotSignificance {
		t.Fatalf("expected default metadata, got %+v", meta)
	}
}

func TestFillDefaultsRejectsInvalidPlotSignificance(t *testing.T) {
	meta := domain.SceneMetadata{PlotSignificance: "catastrophic"}
	filled := fillDefaults(meta)
	if filled.PlotSignificance != domain.PlotMedium {
		t.Fatalf("expected invalid plot significance replaced with default, got %s", filled.PlotSignificance)
	}
}

func TestApplyNameCanonicalizationDeduplicates(t *testing.T) {
	scenes := []domain.Scene{
		{Metadata: &domain.SceneMetadata{Characters: []string{"逍遥哥哥", "李逍遥", "赵灵儿"}}},
	}
	nameMap := NameMap{"李逍遥": {"逍遥哥哥", "李逍遥"}, "赵灵儿": {"灵儿", "赵灵儿"}}
	applyNameCanonicalization(scenes, nameMap)

	chars := scenes[0].Metadata.Characters
	if len(chars) != 2 {
		t.Fatalf("expected deduped canonical names, got %v", chars)
	}
	if chars[0] != "李逍遥" || chars[1] != "赵灵儿" {
		t.Fatalf("unexpected canonical order: %v", chars)
	}
}

func TestIdentityNameMapFallback(t *testing.T) {
	dir := t.TempDir()
	client := &fakeChatCaller{err: errModelUnavailable}
	annotator, err := NewSceneAnnotator(AnnotationConfig{}, client, dir)
	if err != nil {
		t.Fatalf("new annotator: %v", err)
	}

	scenes := []domain.Scene{
		{Metadata: &domain.SceneMetadata{Characters: []string{"张三"}}},
	}
	nameMap := annotator.buildNameMap(context.Background(), scenes)
	if aliases, ok := nameMap["张三"]; !ok || len(aliases) != 1 || aliases[0] != "张三" {
		t.Fatalf("expected identity fallback name map, got %v", nameMap)
	}
}
