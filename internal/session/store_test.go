package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airp2/storyforge/internal/domain"
)

func TestLoadReturnsDefaultStateWhenFileAbsent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	state, err := store.Load("guest-1", 3)
	require.NoError(t, err)
	require.Equal(t, "guest-1", state.SessionID)
	require.Equal(t, 3, state.MaxUnlockedChapter)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	state := domain.SessionState{SessionID: "s1", MaxUnlockedChapter: 2, ActiveCharacters: []string{"李逍遥"}}
	require.NoError(t, store.Save(state))

	loaded, err := store.Load("s1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.MaxUnlockedChapter)
	require.Equal(t, []string{"李逍遥"}, loaded.ActiveCharacters)
	require.NotEmpty(t, loaded.UpdatedAt)
}

func TestSessionIDWithPathSeparatorsIsSanitized(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	state := domain.SessionState{SessionID: "a/b\\c"}
	require.NoError(t, store.Save(state))

	loaded, err := store.Load("a/b\\c", 0)
	require.NoError(t, err)
	require.Equal(t, "a/b\\c", loaded.SessionID)
}

func TestAppendTurnTruncatesToMaxTurns(t *testing.T) {
	state := domain.SessionState{SessionID: "s1"}
	for i := 0; i < domain.MaxTurns+5; i++ {
		AppendTurn(&state, "user", "消息")
	}
	require.Len(t, state.Turns, domain.MaxTurns)
}

func TestApplyRuntimeUpdatesUnlockedChapterIsMaxMonotonic(t *testing.T) {
	state := domain.SessionState{SessionID: "s1", MaxUnlockedChapter: 5}

	lower := 3
	ApplyRuntimeUpdates(&state, RuntimeUpdates{UnlockedChapter: &lower})
	require.Equal(t, 5, state.MaxUnlockedChapter)

	higher := 9
	ApplyRuntimeUpdates(&state, RuntimeUpdates{UnlockedChapter: &higher})
	require.Equal(t, 9, state.MaxUnlockedChapter)
}

func TestApplyRuntimeUpdatesNormalizesActiveCharacters(t *testing.T) {
	state := domain.SessionState{SessionID: "s1"}
	ApplyRuntimeUpdates(&state, RuntimeUpdates{ActiveCharacters: []string{" 李逍遥 ", "李逍遥", ""}})
	require.Equal(t, []string{"李逍遥"}, state.ActiveCharacters)
}

func TestRememberEntitiesDedupesAndKeepsMostRecent30(t *testing.T) {
	state := domain.SessionState{SessionID: "s1"}
	for i := 0; i < 35; i++ {
		RememberEntities(&state, []string{string(rune('A' + i%26))})
	}
	require.LessOrEqual(t, len(state.RecentEntities), domain.MaxRecentEntities)
}

func TestRememberEntitiesPreservesOrderAndDedupes(t *testing.T) {
	state := domain.SessionState{SessionID: "s1", RecentEntities: []string{"李逍遥"}}
	RememberEntities(&state, []string{"林月如", "李逍遥"})
	require.Equal(t, []string{"李逍遥", "林月如"}, state.RecentEntities)
}
