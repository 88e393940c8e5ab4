package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/textutil"
)

// ChapterSplitter detects chapter boundaries in a raw novel source file
// and writes one file per chapter plus the chapter index manifest.
type ChapterSplitter struct {
	patterns    []*regexp.Regexp
	minLength   int
	chaptersDir string
}

// NewChapterSplitter compiles cfg's patterns and ensures chaptersDir
// exists.
func NewChapterSplitter(cfg ChapterSplitConfig, chaptersDir string) (*ChapterSplitter, error) {
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = defaultChapterPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pipeline: compile chapter pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	if err := os.MkdirAll(chaptersDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create chapters dir: %w", err)
	}
	return &ChapterSplitter{patterns: compiled, minLength: cfg.MinChapterLength, chaptersDir: chaptersDir}, nil
}

type chapterSpan struct {
	title string
	start int
	end   int
}

// Split reads inputFile, detects chapter boundaries, writes each chapter
// to its own file, and returns the path to the written chapter index.
func (s *ChapterSplitter) Split(inputFile string) (string, error) {
	raw, err := os.ReadFile(inputFile)
	if err != nil {
		return "", fmt.Errorf("pipeline: read input file: %w", err)
	}
	text := textutil.Clean(textutil.StripBOM(string(raw)))

	spans := s.findChapters(text)
	if len(spans) == 0 {
		spans = []chapterSpan{{title: "全文", start: 0, end: len([]rune(text))}}
	}

	runes := []rune(text)
	records := make([]domain.ChapterRecord, 0, len(spans))
	for i, span := range spans {
		chapterID := fmt.Sprintf("chapter_%04d", i+1)
		chapterText := textutil.Clean(string(runes[span.start:span.end]))
		filename := chapterID + ".txt"
		if err := os.WriteFile(filepath.Join(s.chaptersDir, filename), []byte(chapterText), 0o644); err != nil {
			return "", fmt.Errorf("pipeline: write chapter file: %w", err)
		}
		records = append(records, domain.ChapterRecord{
			ChapterID: chapterID,
			File:      filename,
			Title:     span.title,
			CharCount: len([]rune(chapterText)),
			Status:    domain.ChapterPending,
		})
	}

	idx := domain.ChapterIndex{
		SourceFile:    filepath.Base(inputFile),
		TotalChapters: len(records),
		Chapters:      records,
	}
	if err := SaveChapterIndex(s.chaptersDir, idx); err != nil {
		return "", err
	}
	return filepath.Join(s.chaptersDir, ChapterIndexFile), nil
}

// findChapters collects every pattern's match positions, de-duplicates
// by start offset, and turns the sorted boundaries into chapter spans,
// dropping spans shorter than the configured minimum.
func (s *ChapterSplitter) findChapters(text string) []chapterSpan {
	runes := []rune(text)

	type match struct {
		pos   int
		title string
	}
	var matches []match
	for _, pattern := range s.patterns {
		for _, loc := range pattern.FindAllStringIndex(text, -1) {
			pos := len([]rune(text[:loc[0]]))
			title := strings.TrimSpace(text[loc[0]:loc[1]])
			matches = append(matches, match{pos: pos, title: title})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	var unique []match
	lastPos := -1
	for _, m := range matches {
		if m.pos != lastPos {
			unique = append(unique, m)
			lastPos = m.pos
		}
	}

	var spans []chapterSpan
	for i, m := range unique {
		end := len(runes)
		if i < len(unique)-1 {
			end = unique[i+1].pos
		}
		if end-m.pos < s.minLength {
			continue
		}
		spans = append(spans, chapterSpan{title: m.title, start: m.pos, end: end})
	}
	return spans
}

// RunStage1 splits inputFile into chaptersDir unless a manifest already
// exists and force is not set, in which case it returns the existing
// manifest's path unchanged.
func RunStage1(cfg ChapterSplitConfig, inputFile, chaptersDir string, force bool) (string, error) {
	if ChapterIndexExists(chaptersDir) && !force {
		return filepath.Join(chaptersDir, ChapterIndexFile), nil
	}
	splitter, err := NewChapterSplitter(cfg, chaptersDir)
	if err != nil {
		return "", err
	}
	return splitter.Split(inputFile)
}
