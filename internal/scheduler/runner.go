package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/pipeline"
	"github.com/airp2/storyforge/internal/storage"
	"github.com/airp2/storyforge/internal/vectorstore"
)

// Runner executes a single ingestion step against one novel's workspace.
// A step's implementation is responsible only for that step; preconditions
// and progress bookkeeping are the Scheduler's concern.
type Runner interface {
	RunStep(ctx context.Context, paths storage.NovelPaths, step int, force bool, redoChapter *int, logger *slog.Logger) (map[string]any, error)
}

// StoreResolver returns the vector store for one novel's workspace, keyed
// by its paths. Each novel owns its own Qdrant collection, so the runner
// can't hold a single fixed *vectorstore.Store the way it holds Chat or
// Embedder; the caller supplies a resolver backed by its own per-novel
// store cache instead.
type StoreResolver func(ctx context.Context, paths storage.NovelPaths) (*vectorstore.Store, error)

// PipelineRunner wires the five internal/pipeline stages into a Runner,
// mirroring the reference PipelineRunner.run's per-step dispatch.
type PipelineRunner struct {
	Config   pipeline.Config
	Chat     pipeline.ChatCaller
	Embedder pipeline.Embedder
	StoreFor StoreResolver
}

// NewPipelineRunner returns a PipelineRunner.
func NewPipelineRunner(cfg pipeline.Config, chat pipeline.ChatCaller, embedder pipeline.Embedder, storeFor StoreResolver) *PipelineRunner {
	return &PipelineRunner{Config: cfg, Chat: chat, Embedder: embedder, StoreFor: storeFor}
}

// RunStep dispatches to the stage matching step, returning a small stats
// map the scheduler merges into the job result.
func (r *PipelineRunner) RunStep(ctx context.Context, paths storage.NovelPaths, step int, force bool, redoChapter *int, logger *slog.Logger) (map[string]any, error) {
	switch step {
	case 1:
		indexFile, err := pipeline.RunStage1(r.Config.ChapterSplit, paths.SourceFile, paths.ChaptersDir, force)
		if err != nil {
			return nil, fmt.Errorf("scheduler: stage 1: %w", err)
		}
		logger.Info("stage 1 complete", "chapter_index", indexFile)
		return map[string]any{"chapter_index": indexFile}, nil

	case 2:
		if err := pipeline.RunStage2(ctx, r.Config.SceneSplit, r.Chat, paths.ChaptersDir, paths.ScenesDir, force, redoChapter); err != nil {
			return nil, fmt.Errorf("scheduler: stage 2: %w", err)
		}
		logger.Info("stage 2 complete")
		return map[string]any{}, nil

	case 3:
		if err := pipeline.RunStage3(ctx, r.Config.Annotation, r.Chat, paths.ChaptersDir, paths.ScenesDir, paths.AnnotatedDir, force, redoChapter); err != nil {
			return nil, fmt.Errorf("scheduler: stage 3: %w", err)
		}
		logger.Info("stage 3 complete")
		return map[string]any{}, nil

	case 4:
		store, err := r.StoreFor(ctx, paths)
		if err != nil {
			return nil, fmt.Errorf("scheduler: stage 4: resolve vector store: %w", err)
		}
		if err := pipeline.RunStage4(ctx, r.Embedder, store, paths.ChaptersDir, paths.AnnotatedDir, force); err != nil {
			return nil, fmt.Errorf("scheduler: stage 4: %w", err)
		}
		logger.Info("stage 4 complete")
		return map[string]any{}, nil

	case 5:
		files, err := pipeline.RunStage5(ctx, r.Config.CharacterProfile, r.Chat, paths.AnnotatedDir, paths.ProfilesDir)
		if err != nil {
			return nil, fmt.Errorf("scheduler: stage 5: %w", err)
		}
		logger.Info("stage 5 complete", "profiles_generated", len(files))
		return map[string]any{"profiles_generated": len(files)}, nil

	default:
		return nil, domain.ErrInvalidStep
	}
}

// checkStepPreconditions enforces the same ordering guards the reference
// runner applies before dispatch: step 1 needs the source file, steps 2-5
// need a chapter index already on disk, and step 5 additionally needs the
// annotated directory from stage 3.
func checkStepPreconditions(paths storage.NovelPaths, step int) error {
	if step == 1 {
		if _, err := os.Stat(paths.SourceFile); err != nil {
			return domain.ErrSourceMissing
		}
		return nil
	}
	if !pipeline.ChapterIndexExists(paths.ChaptersDir) {
		return domain.ErrChapterIndexMissing
	}
	if step == 5 {
		if info, err := os.Stat(paths.AnnotatedDir); err != nil || !info.IsDir() {
			return domain.ErrAnnotatedMissing
		}
	}
	return nil
}

// loadRunStats derives the summary counters the reference runner computes
// from chapter_index.json plus the profiles directory after every run.
func loadRunStats(paths storage.NovelPaths) map[string]any {
	stats := map[string]any{}

	idx, err := pipeline.LoadChapterIndex(paths.ChaptersDir)
	if err == nil {
		stats["total_chapters"] = idx.TotalChapters
		vectorized, failed := 0, 0
		for _, ch := range idx.Chapters {
			if ch.Status == domain.ChapterVectorized {
				vectorized++
			}
			if ch.Status == domain.ChapterScenesFailed || ch.Status == domain.ChapterAnnotationFailed || ch.Status == domain.ChapterVectorizeFailed {
				failed++
			}
		}
		stats["chapters_vectorized"] = vectorized
		stats["chapters_failed"] = failed
	}

	if entries, err := os.ReadDir(paths.ProfilesDir); err == nil {
		count := 0
		for _, e := range entries {
			if !e.IsDir() && filepath.Ext(e.Name()) == ".md" {
				count++
			}
		}
		stats["profiles_total"] = count
	}

	return stats
}
