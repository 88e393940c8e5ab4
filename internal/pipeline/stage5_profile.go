package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airp2/storyforge/internal/modelclient"
	"github.com/airp2/storyforge/pkg/fn"
)

type characterSceneRef struct {
	ChapterTitle       string
	SceneIndex         int
	EventSummary       string
	EmotionTone        string
	KeyDialogues       []string
	CharacterRelations []string
	PlotSignificance   string
}

// CharacterProfiler aggregates per-character scene evidence across every
// annotated chapter and asks the chat model for a narrative dossier of
// each frequently-appearing character.
type CharacterProfiler struct {
	cfg    CharacterProfileConfig
	client ChatCaller
	dir    string
}

// NewCharacterProfiler ensures profilesDir exists and returns a
// CharacterProfiler.
func NewCharacterProfiler(cfg CharacterProfileConfig, client ChatCaller, profilesDir string) (*CharacterProfiler, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create profiles dir: %w", err)
	}
	return &CharacterProfiler{cfg: cfg, client: client, dir: profilesDir}, nil
}

// GenerateProfiles scans every "*_annotated.json" file in annotatedDir,
// keeps the top-N most frequently appearing characters with at least
// MinScenes appearances, and writes one Markdown profile per character.
// It returns the written profile paths.
func (p *CharacterProfiler) GenerateProfiles(ctx context.Context, annotatedDir string) ([]string, error) {
	sceneRefs, err := collectCharacterScenes(annotatedDir)
	if err != nil {
		return nil, err
	}

	top := topCharacters(sceneRefs, p.cfg.TopNCharacters, p.cfg.MinScenes)

	files := fn.ParMap(top, p.cfg.Concurrency, func(character string) string {
		path, err := p.generateProfile(ctx, character, sceneRefs[character])
		if err != nil {
			return ""
		}
		return path
	})

	var out []string
	for _, f := range files {
		if f != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

func collectCharacterScenes(annotatedDir string) (map[string][]characterSceneRef, error) {
	entries, err := os.ReadDir(annotatedDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read annotated dir: %w", err)
	}

	scenes := map[string][]characterSceneRef{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_annotated.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(annotatedDir, entry.Name()))
		if err != nil {
			continue
		}
		var data scenesFileOutput
		if err := json.Unmarshal(raw, &data); err != nil {
			continue
		}
		for _, sc := range data.Scenes {
			if sc.Metadata == nil {
				continue
			}
			for _, character := range sc.Metadata.Characters {
				scenes[character] = append(scenes[character], characterSceneRef{
					ChapterTitle:       data.ChapterTitle,
					SceneIndex:         sc.SceneIndex,
					EventSummary:       sc.Metadata.EventSummary,
					EmotionTone:        sc.Metadata.EmotionTone,
					KeyDialogues:       sc.Metadata.KeyDialogues,
					CharacterRelations: sc.Metadata.CharacterRelations,
					PlotSignificance:   string(sc.Metadata.PlotSignificance),
				})
			}
		}
	}
	return scenes, nil
}

func topCharacters(scenes map[string][]characterSceneRef, topN, minScenes int) []string {
	type count struct {
		name string
		n    int
	}
	counts := make([]count, 0, len(scenes))
	for name, refs := range scenes {
		counts = append(counts, count{name: name, n: len(refs)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].n != counts[j].n {
			return counts[i].n > counts[j].n
		}
		return counts[i].name < counts[j].name
	})

	var top []string
	for _, c := range counts {
		if len(top) >= topN {
			break
		}
		if c.n < minScenes {
			continue
		}
		top = append(top, c.name)
	}
	return top
}

const maxEvidenceScenes = 100

func (p *CharacterProfiler) generateProfile(ctx context.Context, character string, refs []characterSceneRef) (string, error) {
	selected := refs
	if len(selected) > maxEvidenceScenes {
		var high, medium []characterSceneRef
		for _, r := range refs {
			switch r.PlotSignificance {
			case "high":
				high = append(high, r)
			case "medium":
				medium = append(medium, r)
			}
		}
		if len(high) < maxEvidenceScenes {
			remaining := maxEvidenceScenes - len(high)
			if remaining > len(medium) {
				remaining = len(medium)
			}
			selected = append(append([]characterSceneRef{}, high...), medium[:remaining]...)
		} else {
			selected = high[:maxEvidenceScenes]
		}
	}

	var sb strings.Builder
	for _, r := range selected {
		fmt.Fprintf(&sb, "[%s] %s", r.ChapterTitle, r.EventSummary)
		if r.EmotionTone != "" {
			fmt.Fprintf(&sb, " (情感: %s)", r.EmotionTone)
		}
		if len(r.KeyDialogues) > 0 {
			n := len(r.KeyDialogues)
			if n > 2 {
				n = 2
			}
			fmt.Fprintf(&sb, "\n  对白: %s", strings.Join(r.KeyDialogues[:n], "; "))
		}
		sb.WriteString("\n\n")
	}

	relationSet := map[string]bool{}
	var relations []string
	for _, r := range refs {
		for _, rel := range r.CharacterRelations {
			if !relationSet[rel] {
				relationSet[rel] = true
				relations = append(relations, rel)
			}
		}
	}
	relationsText := "无"
	if len(relations) > 0 {
		relationsText = strings.Join(relations, "\n")
	}

	prompt := fmt.Sprintf(characterProfilePrompt, character, sb.String(), relationsText)
	profileMD, err := p.client.Call(ctx, prompt, modelclient.CallOpts{Temperature: 0.7})
	if err != nil {
		return "", fmt.Errorf("pipeline: generate profile for %s: %w", character, err)
	}

	safeName := strings.NewReplacer("/", "_", "\\", "_").Replace(character)
	path := filepath.Join(p.dir, safeName+".md")
	var out strings.Builder
	fmt.Fprintf(&out, "# %s - 角色档案\n\n", character)
	fmt.Fprintf(&out, "**出场次数**: %d\n\n", len(refs))
	out.WriteString("---\n\n")
	out.WriteString(profileMD)

	if err := os.WriteFile(path, []byte(out.String()), 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write profile: %w", err)
	}
	return path, nil
}

const characterProfilePrompt = `请为小说角色 "%s" 生成详细的角色档案，用于后续的角色扮演。

角色在小说中的场景记录（按章节顺序）：

%s

角色关系：
%s

请生成包含以下内容的角色档案，用 Markdown 格式输出：
1. 基本信息与身份
2. 核心性格特征（附原文佐证）
3. 说话风格与语气（附对白示例）
4. 情感反应模式
5. 关键经历时间线
6. 核心人物关系
7. 内心动机
8. 角色扮演注意事项`

// RunStage5 generates character profiles from every annotated chapter.
func RunStage5(ctx context.Context, cfg CharacterProfileConfig, client ChatCaller, annotatedDir, profilesDir string) ([]string, error) {
	profiler, err := NewCharacterProfiler(cfg, client, profilesDir)
	if err != nil {
		return nil, err
	}
	return profiler.GenerateProfiles(ctx, annotatedDir)
}
