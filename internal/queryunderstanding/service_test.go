package queryunderstanding

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airp2/storyforge/internal/domain"
)

func writeProfile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".md"), []byte("# "+name), 0o644))
}

func writeNameMapFile(t *testing.T, annotatedDir string, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(annotatedDir, characterNameMapFile), []byte(contents), 0o644))
}

func newTestService(t *testing.T, nameMapJSON string, profiles ...string) *Service {
	t.Helper()
	profilesDir := t.TempDir()
	annotatedDir := t.TempDir()
	for _, p := range profiles {
		writeProfile(t, profilesDir, p)
	}
	if nameMapJSON != "" {
		writeNameMapFile(t, annotatedDir, nameMapJSON)
	}
	return New(profilesDir, annotatedDir)
}

func TestDetectIntentPriorityOrder(t *testing.T) {
	svc := newTestService(t, "")

	cases := []struct {
		text   string
		intent string
	}{
		{"李逍遥和赵灵儿是什么关系", domain.IntentCharacterRelation},
		{"客栈在哪里", domain.IntentLocationQuery},
		{"这个设定有依据吗", domain.IntentCanonCheck},
		{"接下来我该怎么办", domain.IntentNextAction},
		{"帮我回顾一下之前发生了什么", domain.IntentStoryRecap},
		{"随便说点什么吧", domain.IntentStoryRecap},
	}
	for _, c := range cases {
		result := svc.Understand(c.text, Input{})
		require.Equal(t, c.intent, result.Intent, "text=%q", c.text)
	}
}

func TestExtractEntitiesUsesAliasMapFirst(t *testing.T) {
	nameMap := `{"李逍遥": ["逍遥哥哥", "阿遥"]}`
	svc := newTestService(t, nameMap, "李逍遥")

	result := svc.Understand("逍遥哥哥今天在做什么", Input{})
	require.Equal(t, []string{"李逍遥"}, result.Entities)
}

func TestExtractEntitiesFallsBackToCanonicalName(t *testing.T) {
	svc := newTestService(t, "", "赵灵儿")

	result := svc.Understand("赵灵儿最近怎么样", Input{})
	require.Equal(t, []string{"赵灵儿"}, result.Entities)
}

func TestExtractEntitiesFallsBackToActiveCharacters(t *testing.T) {
	svc := newTestService(t, "")

	result := svc.Understand("她现在心情如何", Input{ActiveCharacters: []string{"林月如"}})
	require.Equal(t, []string{"林月如"}, result.Entities)
}

func TestExtractEntitiesFallsBackToSessionActiveCharacters(t *testing.T) {
	svc := newTestService(t, "")
	session := &domain.SessionState{ActiveCharacters: []string{"阿奴"}}

	result := svc.Understand("她现在心情如何", Input{Session: session})
	require.Equal(t, []string{"阿奴"}, result.Entities)
}

func TestExtractEntitiesFallsBackToHistoryScan(t *testing.T) {
	nameMap := `{"李逍遥": ["逍遥哥哥"]}`
	svc := newTestService(t, nameMap, "李逍遥")

	history := []domain.Turn{
		{Role: "user", Content: "很久以前的事了"},
		{Role: "assistant", Content: "逍遥哥哥曾经来过这里"},
	}
	result := svc.Understand("这件事还有谁知道", Input{History: history})
	require.Equal(t, []string{"李逍遥"}, result.Entities)
}

func TestExtractLocationsMatchesPlaceSuffix(t *testing.T) {
	svc := newTestService(t, "")
	result := svc.Understand("我们去仙灵岛的客栈休息一下", Input{})
	require.NotEmpty(t, result.Locations)
	for _, loc := range result.Locations {
		require.Contains(t, loc, "客栈")
	}
}

func TestEventKeywordsFiltersStopWordsAndDedupes(t *testing.T) {
	svc := newTestService(t, "")
	result := svc.Understand("剑圣 剑圣 什么 客栈里 遇到了 灵儿", Input{})
	require.Contains(t, result.EventKeywords, "剑圣")
	require.NotContains(t, result.EventKeywords, "什么")

	seen := map[string]bool{}
	for _, k := range result.EventKeywords {
		require.False(t, seen[k], "duplicate keyword %q", k)
		seen[k] = true
	}
}

func TestEffectiveUnlockedChapterIsMaxOfRuntimeAndSession(t *testing.T) {
	svc := newTestService(t, "")
	session := &domain.SessionState{MaxUnlockedChapter: 5}

	runtime := 3
	result := svc.Understand("继续", Input{Session: session, UnlockedChapter: &runtime})
	require.Equal(t, 5, result.Constraints.UnlockedChapter)

	runtime = 9
	result = svc.Understand("继续", Input{Session: session, UnlockedChapter: &runtime})
	require.Equal(t, 9, result.Constraints.UnlockedChapter)
}

func TestNormalizedQueryJoinsRecentHistory(t *testing.T) {
	svc := newTestService(t, "")
	history := []domain.Turn{
		{Role: "user", Content: "第一句"},
		{Role: "assistant", Content: "第二句"},
		{Role: "user", Content: "第三句"},
		{Role: "assistant", Content: "第四句"},
	}
	result := svc.Understand("最新的话", Input{History: history})
	require.Equal(t, "第二句\n第三句\n第四句\n最新的话", result.NormalizedQuery)
}
