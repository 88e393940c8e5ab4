package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/airp2/storyforge/internal/domain"
)

// ChapterIndexFile is the manifest filename relative to a novel's
// chapters directory.
const ChapterIndexFile = "chapter_index.json"

// LoadChapterIndex reads the manifest from chaptersDir.
func LoadChapterIndex(chaptersDir string) (domain.ChapterIndex, error) {
	path := filepath.Join(chaptersDir, ChapterIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ChapterIndex{}, fmt.Errorf("pipeline: read chapter index: %w", err)
	}
	var idx domain.ChapterIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return domain.ChapterIndex{}, fmt.Errorf("pipeline: parse chapter index: %w", err)
	}
	return idx, nil
}

// SaveChapterIndex writes the manifest to chaptersDir, pretty-printed so
// it stays diffable when inspected by hand.
func SaveChapterIndex(chaptersDir string, idx domain.ChapterIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encode chapter index: %w", err)
	}
	path := filepath.Join(chaptersDir, ChapterIndexFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write chapter index: %w", err)
	}
	return nil
}

// ChapterIndexExists reports whether a manifest is already present,
// making stage 1 idempotent when force is not set.
func ChapterIndexExists(chaptersDir string) bool {
	_, err := os.Stat(filepath.Join(chaptersDir, ChapterIndexFile))
	return err == nil
}

// shouldRunStage2 decides whether the scene splitter should (re)process
// a chapter. Downstream states are never regressed by a bare rerun.
func shouldRunStage2(status domain.ChapterStatus, force, redo bool) bool {
	if force || redo {
		return true
	}
	switch status {
	case domain.ChapterScenesDone, domain.ChapterAnnotatedDone, domain.ChapterVectorized,
		domain.ChapterAnnotationFailed, domain.ChapterVectorizeFailed:
		return false
	default:
		return true
	}
}

// shouldRunStage3 decides whether the annotator should (re)process a
// chapter: it always requires scenes to already exist.
func shouldRunStage3(status domain.ChapterStatus, force, redo bool) bool {
	if force || redo {
		switch status {
		case domain.ChapterScenesDone, domain.ChapterAnnotatedDone, domain.ChapterAnnotationFailed,
			domain.ChapterVectorized, domain.ChapterVectorizeFailed:
			return true
		default:
			return false
		}
	}
	return status == domain.ChapterScenesDone
}

// shouldRunStage4 decides whether the vectorizer should (re)process a
// chapter: it always requires annotation to already be done.
func shouldRunStage4(status domain.ChapterStatus, force bool) bool {
	if force {
		switch status {
		case domain.ChapterAnnotatedDone, domain.ChapterVectorized, domain.ChapterVectorizeFailed:
			return true
		default:
			return false
		}
	}
	return status == domain.ChapterAnnotatedDone
}

// targetChapterID formats the chapter id a redo_chapter number refers to.
func targetChapterID(n int) string {
	return fmt.Sprintf("chapter_%04d", n)
}
