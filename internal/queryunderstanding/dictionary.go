package queryunderstanding

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airp2/storyforge/internal/pipeline"
	"github.com/airp2/storyforge/pkg/fn"
)

// characterNameMapFile matches the filename internal/pipeline's scene
// annotator writes after stage 3's alias canonicalization pass.
const characterNameMapFile = "character_name_map.json"

// aliasEntry is one (alias, canonical) pair, kept in a slice rather than
// solely a map so entity extraction scans aliases in a stable order —
// map iteration order is not reproducible and this package's tests assert
// exact match results.
type aliasEntry struct {
	alias     string
	canonical string
}

// buildCharacterDictionary loads the canonical name list, the alias→canonical
// lookup map, and the stable alias scan order used for entity extraction,
// combining character profile filenames with the optional per-novel name map
// exported by stage 3.
func buildCharacterDictionary(profilesDir, annotatedDir string) (names []string, aliasToCanonical map[string]string, aliasOrder []aliasEntry) {
	aliasToCanonical = make(map[string]string)
	var order []aliasEntry

	if entries, err := os.ReadDir(profilesDir); err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
				continue
			}
			canonical := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			canonical = strings.TrimSpace(canonical)
			if canonical == "" {
				continue
			}
			names = append(names, canonical)
			order = append(order, aliasEntry{canonical, canonical})
		}
	}

	nameMapPath := filepath.Join(annotatedDir, characterNameMapFile)
	if data, err := os.ReadFile(nameMapPath); err == nil {
		var nameMap pipeline.NameMap
		if err := json.Unmarshal(data, &nameMap); err == nil {
			canonicals := make([]string, 0, len(nameMap))
			for canonical := range nameMap {
				canonicals = append(canonicals, canonical)
			}
			sort.Strings(canonicals)
			for _, canonical := range canonicals {
				trimmed := strings.TrimSpace(canonical)
				if trimmed == "" {
					continue
				}
				names = append(names, trimmed)
				order = append(order, aliasEntry{trimmed, trimmed})
				for _, alias := range nameMap[canonical] {
					alias = strings.TrimSpace(alias)
					if alias != "" {
						order = append(order, aliasEntry{alias, trimmed})
					}
				}
			}
		}
		// A malformed, user-edited map must never break query understanding;
		// fall through with whatever the profiles directory contributed.
	}

	for _, e := range order {
		aliasToCanonical[e.alias] = e.canonical
	}

	names = normalizeEntities(fn.Unique(names))
	for _, n := range names {
		if _, ok := aliasToCanonical[n]; !ok {
			aliasToCanonical[n] = n
			order = append(order, aliasEntry{n, n})
		}
	}
	return names, aliasToCanonical, order
}
