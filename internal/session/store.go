// Package session persists bounded conversation memory for one RP
// session: rolling turn history, recently mentioned entities, and the
// monotonic spoiler boundary the player has unlocked so far.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airp2/storyforge/internal/domain"
)

// Store is a filesystem-backed SessionState store rooted at Dir.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create store dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(sessionID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(sessionID)
	return filepath.Join(s.Dir, safe+".json")
}

// Load reads the session's state, or returns a fresh SessionState seeded
// with defaultUnlocked if no file exists yet.
func (s *Store) Load(sessionID string, defaultUnlocked int) (domain.SessionState, error) {
	raw, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return domain.SessionState{SessionID: sessionID, MaxUnlockedChapter: defaultUnlocked}, nil
	}
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("session: read %s: %w", sessionID, err)
	}

	var state domain.SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.SessionState{}, fmt.Errorf("session: decode %s: %w", sessionID, err)
	}
	return state, nil
}

// Save writes the session's state, stamping UpdatedAt with the current
// time.
func (s *Store) Save(state domain.SessionState) error {
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", state.SessionID, err)
	}
	if err := os.WriteFile(s.path(state.SessionID), raw, 0o644); err != nil {
		return fmt.Errorf("session: write %s: %w", state.SessionID, err)
	}
	return nil
}

// AppendTurn appends a turn to the rolling history, truncating to the
// most recent domain.MaxTurns.
func AppendTurn(state *domain.SessionState, role, content string) {
	state.Turns = append(state.Turns, domain.Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if len(state.Turns) > domain.MaxTurns {
		state.Turns = state.Turns[len(state.Turns)-domain.MaxTurns:]
	}
}

// RuntimeUpdates carries the optional runtime-supplied fields a client can
// push into session state on each turn.
type RuntimeUpdates struct {
	UnlockedChapter  *int
	ActiveCharacters []string
	CurrentScene     *string
}

// ApplyRuntimeUpdates applies any set fields in updates to state.
// MaxUnlockedChapter only ever increases (max-monotonic).
func ApplyRuntimeUpdates(state *domain.SessionState, updates RuntimeUpdates) {
	if updates.UnlockedChapter != nil && *updates.UnlockedChapter > state.MaxUnlockedChapter {
		state.MaxUnlockedChapter = *updates.UnlockedChapter
	}
	if updates.ActiveCharacters != nil {
		state.ActiveCharacters = normalizeEntities(updates.ActiveCharacters)
	}
	if updates.CurrentScene != nil {
		state.CurrentScene = *updates.CurrentScene
	}
}

// RememberEntities merges entities into the session's recent-entities
// list, deduplicating and truncating to the most recent
// domain.MaxRecentEntities while preserving order.
func RememberEntities(state *domain.SessionState, entities []string) {
	merged := normalizeEntities(append(append([]string{}, state.RecentEntities...), entities...))
	if len(merged) > domain.MaxRecentEntities {
		merged = merged[len(merged)-domain.MaxRecentEntities:]
	}
	state.RecentEntities = merged
}

func normalizeEntities(values []string) []string {
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
