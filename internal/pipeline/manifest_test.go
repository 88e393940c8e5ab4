package pipeline

import (
	"testing"

	"github.com/airp2/storyforge/internal/domain"
)

func TestShouldRunStage2(t *testing.T) {
	cases := []struct {
		status domain.ChapterStatus
		force  bool
		redo   bool
		want   bool
	}{
		{domain.ChapterPending, false, false, true},
		{domain.ChapterScenesDone, false, false, false},
		{domain.ChapterAnnotatedDone, false, false, false},
		{domain.ChapterVectorized, false, false, false},
		{domain.ChapterVectorized, true, false, true},
		{domain.ChapterScenesDone, false, true, true},
	}
	for _, c := range cases {
		if got := shouldRunStage2(c.status, c.force, c.redo); got != c.want {
			t.Errorf("shouldRunStage2(%s, %v, %v) = %v, want %v", c.status, c.force, c.redo, got, c.want)
		}
	}
}

func TestShouldRunStage3(t *testing.T) {
	cases := []struct {
		status domain.ChapterStatus
		force  bool
		want   bool
	}{
		{domain.ChapterScenesDone, false, true},
		{domain.ChapterPending, false, false},
		{domain.ChapterAnnotatedDone, false, false},
		{domain.ChapterAnnotatedDone, true, true},
		{domain.ChapterAnnotationFailed, true, true},
		{domain.ChapterPending, true, false},
	}
	for _, c := range cases {
		if got := shouldRunStage3(c.status, c.force, false); got != c.want {
			t.Errorf("shouldRunStage3(%s, %v) = %v, want %v", c.status, c.force, got, c.want)
		}
	}
}

func TestShouldRunStage4(t *testing.T) {
	cases := []struct {
		status domain.ChapterStatus
		force  bool
		want   bool
	}{
		{domain.ChapterAnnotatedDone, false, true},
		{domain.ChapterScenesDone, false, false},
		{domain.ChapterVectorized, false, false},
		{domain.ChapterVectorized, true, true},
		{domain.ChapterVectorizeFailed, true, true},
		{domain.ChapterScenesDone, true, false},
	}
	for _, c := range cases {
		if got := shouldRunStage4(c.status, c.force); got != c.want {
			t.Errorf("shouldRunStage4(%s, %v) = %v, want %v", c.status, c.force, got, c.want)
		}
	}
}

func TestLoadSaveChapterIndexRoundtrip(t *testing.T) {
	dir := t.TempDir()
	idx := domain.ChapterIndex{
		SourceFile:    "source.txt",
		TotalChapters: 1,
		Chapters: []domain.ChapterRecord{
			{ChapterID: "chapter_0001", File: "chapter_0001.txt", Title: "第一章", CharCount: 10, Status: domain.ChapterPending},
		},
	}
	if err := SaveChapterIndex(dir, idx); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !ChapterIndexExists(dir) {
		t.Fatal("expected index to exist after save")
	}
	got, err := LoadChapterIndex(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.TotalChapters != 1 || got.Chapters[0].ChapterID != "chapter_0001" {
		t.Fatalf("unexpected roundtrip result: %+v", got)
	}
}
