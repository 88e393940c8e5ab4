package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/fuzzy"
	"github.com/airp2/storyforge/internal/modelclient"
	"github.com/airp2/storyforge/internal/textutil"
)

const fuzzyThreshold = 0.7

// SceneSplitter turns one chapter's raw text into an ordered list of
// scenes, asking the chat model for boundary markers and locating them
// in the source with the fuzzy locator.
type SceneSplitter struct {
	cfg    SceneSplitConfig
	client ChatCaller
	dir    string
}

// NewSceneSplitter ensures scenesDir exists and returns a SceneSplitter.
func NewSceneSplitter(cfg SceneSplitConfig, client ChatCaller, scenesDir string) (*SceneSplitter, error) {
	if err := os.MkdirAll(scenesDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create scenes dir: %w", err)
	}
	return &SceneSplitter{cfg: cfg, client: client, dir: scenesDir}, nil
}

type sceneMarker struct {
	StartMarker  string `json:"start_marker"`
	EndMarker    string `json:"end_marker"`
	SceneSummary string `json:"scene_summary"`
}

type markersResponse struct {
	Scenes []sceneMarker `json:"scenes"`
}

// scenesFileOutput mirrors the reference JSON shape written per chapter.
type scenesFileOutput struct {
	SourceFile   string          `json:"source_file"`
	ChapterID    string          `json:"chapter_id"`
	ChapterTitle string          `json:"chapter_title"`
	TotalScenes  int             `json:"total_scenes"`
	CoverageRate float64         `json:"coverage_rate"`
	Scenes       []domain.Scene  `json:"scenes"`
}

// SplitChapter reads chapterFile, asks the model for scene markers,
// locates and repairs scenes, and writes "{chapterID}_scenes.json" to
// the scenes directory, returning its path.
func (s *SceneSplitter) SplitChapter(ctx context.Context, chapterFile, chapterID, chapterTitle string) (string, error) {
	raw, err := os.ReadFile(chapterFile)
	if err != nil {
		return "", fmt.Errorf("pipeline: read chapter file: %w", err)
	}
	text := string(raw)
	estimatedScenes := len([]rune(text)) / max(s.cfg.TargetLength, 1)
	if estimatedScenes < 1 {
		estimatedScenes = 1
	}

	markers := s.getSceneMarkers(ctx, text, estimatedScenes)
	scenes := s.extractScenes(text, markers)

	coverage := coverageFraction(text, scenes)
	if coverage < s.cfg.CoverageThreshold {
		scenes = fillMissingSegments(text, scenes, s.cfg.MinLength)
		coverage = coverageFraction(text, scenes)
	}

	scenes = s.fixLengths(scenes)
	for i := range scenes {
		scenes[i].SceneIndex = i
	}

	out := scenesFileOutput{
		SourceFile:   filepath.Base(chapterFile),
		ChapterID:    chapterID,
		ChapterTitle: chapterTitle,
		TotalScenes:  len(scenes),
		CoverageRate: coverage,
		Scenes:       scenes,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pipeline: encode scenes: %w", err)
	}
	outFile := filepath.Join(s.dir, chapterID+"_scenes.json")
	if err := os.WriteFile(outFile, data, 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write scenes file: %w", err)
	}
	return outFile, nil
}

func (s *SceneSplitter) getSceneMarkers(ctx context.Context, text string, estimatedScenes int) []sceneMarker {
	prompt := fmt.Sprintf(sceneMarkerPrompt, s.cfg.TargetLength, s.cfg.MinLength, s.cfg.MaxLength, estimatedScenes, text)

	resp, err := s.client.Call(ctx, prompt, modelclient.CallOpts{JSONMode: true})
	if err != nil {
		return s.fallbackSplitByLength(text)
	}
	var parsed markersResponse
	if err := json.Unmarshal([]byte(resp), &parsed); err != nil || len(parsed.Scenes) == 0 {
		return s.fallbackSplitByLength(text)
	}
	return parsed.Scenes
}

const sceneMarkerPrompt = `请将以下章节文本按场景切分，返回每个场景的起止标记。

切分标准：
1. 地点变化
2. 时间跳跃
3. 人物组合变化
4. 事件转换

目标：每个场景约 %d 字，最少 %d 字，最多 %d 字。
预估需要切分成 %d 个左右的场景。

文本：
%s

返回 JSON 格式，包含 scenes 数组，每个场景包含 start_marker、end_marker（原文片段）和 scene_summary。`

// fallbackSplitByLength emits equal-sized scenes by rune-length when the
// model call fails entirely, extending each cut to the next sentence
// boundary.
func (s *SceneSplitter) fallbackSplitByLength(text string) []sceneMarker {
	var markers []sceneMarker
	runes := []rune(text)
	pos := 0
	for pos < len(runes) {
		next := pos + s.cfg.TargetLength
		if next > len(runes) {
			next = len(runes)
		} else {
			next = textutil.FindSentenceEnd(text, next)
		}
		segment := strings.TrimSpace(string(runes[pos:next]))
		lines := nonEmptyLines(segment)
		start, end := "", ""
		if len(lines) > 0 {
			start = truncateHead(lines[0], 30)
			end = truncateTail(lines[len(lines)-1], 30)
		}
		markers = append(markers, sceneMarker{
			StartMarker:  start,
			EndMarker:    end,
			SceneSummary: fmt.Sprintf("场景片段 %d", len(markers)+1),
		})
		pos = next
	}
	return markers
}

// extractScenes locates each marker pair in text and slices out the
// scene text between them.
func (s *SceneSplitter) extractScenes(text string, markers []sceneMarker) []domain.Scene {
	var scenes []domain.Scene
	for i, m := range markers {
		startPos, endPos := -1, -1

		if m.StartMarker != "" && m.EndMarker != "" {
			vs, ve, valid := fuzzy.ValidateMarkerOrder(text, m.StartMarker, m.EndMarker, fuzzyThreshold)
			if valid {
				startPos, endPos = vs, ve
			}
		}
		if startPos == -1 {
			startPos = fuzzy.FindText(text, m.StartMarker, fuzzyThreshold)
		}
		if endPos == -1 {
			endPos = fuzzy.FindText(text, m.EndMarker, fuzzyThreshold)
		}
		if startPos == -1 {
			continue
		}
		if endPos == -1 {
			if i < len(markers)-1 {
				next := fuzzy.FindText(text, markers[i+1].StartMarker, fuzzyThreshold)
				if next == -1 {
					continue
				}
				endPos = next - 1
			} else {
				endPos = len([]rune(text))
			}
		}
		if startPos >= endPos {
			continue
		}
		endPos = textutil.FindSentenceEnd(text, endPos)

		runes := []rune(text)
		if endPos > len(runes) {
			endPos = len(runes)
		}
		sceneText := strings.TrimSpace(string(runes[startPos:endPos]))
		scenes = append(scenes, domain.Scene{
			SceneIndex:   len(scenes),
			Text:         sceneText,
			CharCount:    len([]rune(sceneText)),
			SceneSummary: m.SceneSummary,
		})
	}
	return scenes
}

// coverageFraction returns the fraction of text's runes covered by the
// union of scene texts, approximated (matching the reference
// implementation) by summing each scene's char count against the
// chapter's total length.
func coverageFraction(text string, scenes []domain.Scene) float64 {
	total := len([]rune(text))
	if total == 0 {
		return 1.0
	}
	covered := 0
	for _, sc := range scenes {
		covered += sc.CharCount
	}
	if covered > total {
		covered = total
	}
	return float64(covered) / float64(total)
}

// fillMissingSegments locates each scene's approximate position in text
// (by its first 50 runes) and inserts gap segments wherever consecutive
// scenes leave a hole larger than half the minimum scene length.
func fillMissingSegments(text string, scenes []domain.Scene, minLength int) []domain.Scene {
	if len(scenes) == 0 {
		return []domain.Scene{{SceneIndex: 0, Text: text, CharCount: len([]rune(text)), SceneSummary: "完整章节"}}
	}

	type positioned = struct {
		pos   int
		scene domain.Scene
	}
	var withPos []positioned
	for _, sc := range scenes {
		head := sc.Text
		if r := []rune(head); len(r) > 50 {
			head = string(r[:50])
		}
		pos := strings.Index(text, head)
		if pos == -1 {
			continue
		}
		withPos = append(withPos, positioned{pos: len([]rune(text[:pos])), scene: sc})
	}
	sortPositioned(withPos)

	runes := []rune(text)
	var filled []domain.Scene
	current := 0
	for _, p := range withPos {
		if p.pos > current+50 {
			gap := strings.TrimSpace(string(runes[current:p.pos]))
			if len([]rune(gap)) > minLength/2 {
				filled = append(filled, domain.Scene{
					SceneIndex: len(filled), Text: gap, CharCount: len([]rune(gap)),
					SceneSummary: fmt.Sprintf("补充片段 %d", len(filled)),
				})
			}
		}
		sc := p.scene
		sc.SceneIndex = len(filled)
		filled = append(filled, sc)
		current = p.pos + len([]rune(sc.Text))
	}
	if current < len(runes)-50 {
		gap := strings.TrimSpace(string(runes[current:]))
		if len([]rune(gap)) > minLength/2 {
			filled = append(filled, domain.Scene{
				SceneIndex: len(filled), Text: gap, CharCount: len([]rune(gap)),
				SceneSummary: fmt.Sprintf("补充片段 %d", len(filled)),
			})
		}
	}
	return filled
}

func sortPositioned(items []struct {
	pos   int
	scene domain.Scene
}) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].pos < items[j-1].pos; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// fixLengths splits oversized scenes at paragraph boundaries and merges
// undersized interior scenes into their predecessor.
func (s *SceneSplitter) fixLengths(scenes []domain.Scene) []domain.Scene {
	var fixed []domain.Scene
	for i, sc := range scenes {
		switch {
		case float64(sc.CharCount) > float64(s.cfg.MaxLength)*1.5:
			fixed = append(fixed, splitLongScene(sc, s.cfg.TargetLength)...)
		case float64(sc.CharCount) < float64(s.cfg.MinLength)*0.5 && i > 0 && i < len(scenes)-1 && len(fixed) > 0:
			prev := &fixed[len(fixed)-1]
			prev.Text += "\n" + sc.Text
			prev.CharCount = len([]rune(prev.Text))
			prev.SceneSummary += "; " + sc.SceneSummary
		default:
			fixed = append(fixed, sc)
		}
	}
	for i := range fixed {
		fixed[i].SceneIndex = i
	}
	return fixed
}

func splitLongScene(sc domain.Scene, target int) []domain.Scene {
	paragraphs := nonEmptyParagraphs(sc.Text)
	var out []domain.Scene
	var current []string
	currentLen := 0
	for _, p := range paragraphs {
		pLen := len([]rune(p))
		if currentLen+pLen > target && len(current) > 0 {
			text := strings.Join(current, "\n\n")
			out = append(out, domain.Scene{
				SceneIndex: len(out), Text: text, CharCount: len([]rune(text)),
				SceneSummary: fmt.Sprintf("%s (部分%d)", sc.SceneSummary, len(out)+1),
			})
			current = []string{p}
			currentLen = pLen
		} else {
			current = append(current, p)
			currentLen += pLen
		}
	}
	if len(current) > 0 {
		text := strings.Join(current, "\n\n")
		out = append(out, domain.Scene{
			SceneIndex: len(out), Text: text, CharCount: len([]rune(text)),
			SceneSummary: fmt.Sprintf("%s (部分%d)", sc.SceneSummary, len(out)+1),
		})
	}
	if len(out) == 0 {
		return []domain.Scene{sc}
	}
	return out
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func nonEmptyParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

func truncateHead(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func truncateTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// RunStage2 processes every chapter in the manifest whose status permits
// scene splitting, updating the manifest in place.
func RunStage2(ctx context.Context, cfg SceneSplitConfig, client ChatCaller, chaptersDir, scenesDir string, force bool, redoChapter *int) error {
	idx, err := LoadChapterIndex(chaptersDir)
	if err != nil {
		return err
	}
	splitter, err := NewSceneSplitter(cfg, client, scenesDir)
	if err != nil {
		return err
	}

	for i := range idx.Chapters {
		rec := &idx.Chapters[i]
		if redoChapter != nil && rec.ChapterID != targetChapterID(*redoChapter) {
			continue
		}
		if !shouldRunStage2(rec.Status, force, redoChapter != nil) {
			continue
		}

		chapterFile := filepath.Join(chaptersDir, rec.File)
		scenesFile, err := splitter.SplitChapter(ctx, chapterFile, rec.ChapterID, rec.Title)
		if err != nil {
			rec.Status = domain.ChapterScenesFailed
			continue
		}
		rec.Status = domain.ChapterScenesDone
		rec.ScenesFile = filepath.Base(scenesFile)
		rec.AnnotatedFile = ""
	}

	return SaveChapterIndex(chaptersDir, idx)
}
