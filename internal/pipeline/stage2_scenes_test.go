package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/modelclient"
)

var errModelUnavailable = errors.New("model unavailable")

type fakeChatCaller struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeChatCaller) Call(ctx context.Context, prompt string, opts modelclient.CallOpts) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func TestSplitChapterUsesModelMarkers(t *testing.T) {
	dir := t.TempDir()
	text := "小明走进了酒馆，四下张望。他点了一杯酒，独自坐在角落。\n\n" +
		"片刻后，小红推门而入，径直走向小明的桌子，两人低声交谈起来。"
	chapterFile := filepath.Join(dir, "chapter_0001.txt")
	if err := os.WriteFile(chapterFile, []byte(text), 0o644); err != nil {
		t.Fatalf("write chapter: %v", err)
	}

	markers := markersResponse{Scenes: []sceneMarker{
		{StartMarker: "小明走进了酒馆", EndMarker: "独自坐在角落。", SceneSummary: "小明进入酒馆"},
		{StartMarker: "小红推门而入", EndMarker: "低声交谈起来。", SceneSummary: "小红到来"},
	}}
	raw, err := json.Marshal(markers)
	if err != nil {
		t.Fatalf("marshal markers: %v", err)
	}

	client := &fakeChatCaller{responses: []string{string(raw)}}
	scenesDir := filepath.Join(dir, "scenes")
	cfg := SceneSplitConfig{MinLength: 5, MaxLength: 500, TargetLength: 100, CoverageThreshold: 0.0}
	splitter, err := NewSceneSplitter(cfg, client, scenesDir)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}

	outFile, err := splitter.SplitChapter(context.Background(), chapterFile, "chapter_0001", "第一章")
	if err != nil {
		t.Fatalf("split chapter: %v", err)
	}

	raw, err = os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out scenesFileOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Scenes) == 0 {
		t.Fatal("expected at least one scene")
	}
	for i, sc := range out.Scenes {
		if sc.SceneIndex != i {
			t.Fatalf("scene %d has index %d", i, sc.SceneIndex)
		}
	}
}

func TestSplitChapterFallsBackOnModelError(t *testing.T) {
	dir := t.TempDir()
	text := repeatChinese(600)
	chapterFile := filepath.Join(dir, "chapter_0001.txt")
	if err := os.WriteFile(chapterFile, []byte(text), 0o644); err != nil {
		t.Fatalf("write chapter: %v", err)
	}

	client := &fakeChatCaller{err: errModelUnavailable}
	scenesDir := filepath.Join(dir, "scenes")
	cfg := SceneSplitConfig{MinLength: 50, MaxLength: 400, TargetLength: 200, CoverageThreshold: 0.9}
	splitter, err := NewSceneSplitter(cfg, client, scenesDir)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}

	outFile, err := splitter.SplitChapter(context.Background(), chapterFile, "chapter_0001", "第一章")
	if err != nil {
		t.Fatalf("split chapter: %v", err)
	}

	raw, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var out scenesFileOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Scenes) == 0 {
		t.Fatal("expected fallback scenes when the model call fails")
	}
}

func TestFixLengthsMergesUndersizedInteriorScenes(t *testing.T) {
	cfg := SceneSplitConfig{MinLength: 100, MaxLength: 500, TargetLength: 200, CoverageThreshold: 0.9}
	s := &SceneSplitter{cfg: cfg}

	mkScene := func(n int, summary string) domain.Scene {
		text := repeatChinese(n)
		return domain.Scene{Text: text, CharCount: n, SceneSummary: summary}
	}
	in := []domain.Scene{
		mkScene(150, "first"),
		mkScene(10, "tiny"),
		mkScene(150, "last"),
	}

	out := s.fixLengths(in)
	if len(out) != 2 {
		t.Fatalf("expected undersized interior scene merged away, got %d scenes", len(out))
	}
	if out[0].CharCount <= 150 {
		t.Fatalf("expected tiny scene merged into predecessor, got char count %d", out[0].CharCount)
	}
}

func TestFixLengthsSplitsOversizedScenes(t *testing.T) {
	cfg := SceneSplitConfig{MinLength: 100, MaxLength: 200, TargetLength: 150, CoverageThreshold: 0.9}
	s := &SceneSplitter{cfg: cfg}

	var paragraphs []string
	for i := 0; i < 10; i++ {
		paragraphs = append(paragraphs, repeatChinese(80))
	}
	big := domain.Scene{
		Text:         joinParagraphs(paragraphs),
		CharCount:    800,
		SceneSummary: "oversized",
	}

	out := s.fixLengths([]domain.Scene{big})
	if len(out) < 2 {
		t.Fatalf("expected oversized scene split into multiple parts, got %d", len(out))
	}
	for i, sc := range out {
		if sc.SceneIndex != i {
			t.Fatalf("scene %d has index %d", i, sc.SceneIndex)
		}
	}
}

func joinParagraphs(paragraphs []string) string {
	out := ""
	for i, p := range paragraphs {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}
