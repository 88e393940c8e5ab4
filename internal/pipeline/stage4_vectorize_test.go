package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/vectorstore"
)

type fakeEmbedder struct {
	dims int
	err  error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

type recordingPoints struct {
	upserted []*pb.PointStruct
	deleted  []string
}

func (r *recordingPoints) Upsert(_ context.Context, req *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	r.upserted = append(r.upserted, req.GetPoints()...)
	return &pb.PointsOperationResponse{}, nil
}
func (r *recordingPoints) Delete(_ context.Context, req *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	r.deleted = append(r.deleted, req.GetCollectionName())
	return &pb.PointsOperationResponse{}, nil
}
func (r *recordingPoints) Search(context.Context, *pb.SearchPoints, ...grpc.CallOption) (*pb.SearchResponse, error) {
	return &pb.SearchResponse{}, nil
}
func (r *recordingPoints) Scroll(context.Context, *pb.ScrollPoints, ...grpc.CallOption) (*pb.ScrollResponse, error) {
	return &pb.ScrollResponse{}, nil
}
func (r *recordingPoints) CreateFieldIndex(context.Context, *pb.CreateFieldIndexCollection, ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}

type emptyCollections struct{}

func (emptyCollections) List(context.Context, *pb.ListCollectionsRequest, ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return &pb.ListCollectionsResponse{}, nil
}
func (emptyCollections) Get(context.Context, *pb.GetCollectionInfoRequest, ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error) {
	return &pb.GetCollectionInfoResponse{}, nil
}
func (emptyCollections) Create(context.Context, *pb.CreateCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}
func (emptyCollections) Delete(context.Context, *pb.DeleteCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}

func writeAnnotatedFile(t *testing.T, dir, chapterID string, scenes []domain.Scene) string {
	t.Helper()
	out := scenesFileOutput{
		SourceFile:   "chapter_0001.txt",
		ChapterID:    chapterID,
		ChapterTitle: "第一章",
		TotalScenes:  len(scenes),
		CoverageRate: 1.0,
		Scenes:       scenes,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		t.Fatalf("marshal annotated file: %v", err)
	}
	path := filepath.Join(dir, chapterID+"_annotated.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write annotated file: %v", err)
	}
	return path
}

func TestVectorizeChapterUpsertsPoints(t *testing.T) {
	dir := t.TempDir()
	scenes := []domain.Scene{
		{
			SceneIndex:   0,
			Text:         "李逍遥在衙门受审，满堂皆惊。",
			CharCount:    20,
			SceneSummary: "受审",
			Metadata: &domain.SceneMetadata{
				Characters:       []string{"李逍遥"},
				Location:         "衙门",
				EventSummary:     "李逍遥被捕受审",
				PlotSignificance: domain.PlotHigh,
			},
		},
	}
	annotatedFile := writeAnnotatedFile(t, dir, "chapter_0001", scenes)

	points := &recordingPoints{}
	store := vectorstore.NewWithClients(points, emptyCollections{}, "scenes", 4)
	vec := NewVectorizer(&fakeEmbedder{dims: 4}, store)

	n, err := vec.VectorizeChapter(context.Background(), annotatedFile)
	if err != nil {
		t.Fatalf("vectorize chapter: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 point, got %d", n)
	}
	if len(points.deleted) != 1 {
		t.Fatal("expected existing chapter points cleared before upsert")
	}
	if len(points.upserted) != 1 {
		t.Fatalf("expected 1 point upserted, got %d", len(points.upserted))
	}
}

func TestVectorizeChapterEmbeddingMismatchErrors(t *testing.T) {
	dir := t.TempDir()
	scenes := []domain.Scene{{SceneIndex: 0, Text: "场景一"}, {SceneIndex: 1, Text: "场景二"}}
	annotatedFile := writeAnnotatedFile(t, dir, "chapter_0001", scenes)

	store := vectorstore.NewWithClients(&recordingPoints{}, emptyCollections{}, "scenes", 4)
	vec := NewVectorizer(&fakeEmbedder{dims: 4, err: nil}, store)

	// Swap in an embedder that returns a mismatched count directly.
	vec.embedder = mismatchEmbedder{}

	if _, err := vec.VectorizeChapter(context.Background(), annotatedFile); err == nil {
		t.Fatal("expected embedding count mismatch error")
	}
}

type mismatchEmbedder struct{}

func (mismatchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{0.1}}, nil
}

func TestVectorizeChapterEmbedErrorPropagates(t *testing.T) {
	dir := t.TempDir()
	scenes := []domain.Scene{{SceneIndex: 0, Text: "场景一"}}
	annotatedFile := writeAnnotatedFile(t, dir, "chapter_0001", scenes)

	store := vectorstore.NewWithClients(&recordingPoints{}, emptyCollections{}, "scenes", 4)
	vec := NewVectorizer(&fakeEmbedder{err: errors.New("embed down")}, store)

	if _, err := vec.VectorizeChapter(context.Background(), annotatedFile); err == nil {
		t.Fatal("expected embed error to propagate")
	}
}

func TestInferEntityTagsMatchesKeywords(t *testing.T) {
	meta := domain.SceneMetadata{EventSummary: "他在衙门里查案，捕快随行。"}
	tags := inferEntityTags(meta, "", "")
	if len(tags) != 1 || tags[0] != "办案" {
		t.Fatalf("expected 办案 tag, got %v", tags)
	}
}

func TestInferEntityTagsDefaultsWhenNoKeywordMatches(t *testing.T) {
	meta := domain.SceneMetadata{EventSummary: "两人安静地喝茶聊天。"}
	tags := inferEntityTags(meta, "", "")
	if len(tags) != 1 || tags[0] != defaultEntityTag {
		t.Fatalf("expected default tag, got %v", tags)
	}
}

func TestRunStage4UpdatesManifestStatus(t *testing.T) {
	dir := t.TempDir()
	chaptersDir := filepath.Join(dir, "chapters")
	annotatedDir := filepath.Join(dir, "annotated")
	if err := os.MkdirAll(chaptersDir, 0o755); err != nil {
		t.Fatalf("mkdir chapters: %v", err)
	}
	if err := os.MkdirAll(annotatedDir, 0o755); err != nil {
		t.Fatalf("mkdir annotated: %v", err)
	}

	scenes := []domain.Scene{{SceneIndex: 0, Text: "场景一"}}
	writeAnnotatedFile(t, annotatedDir, "chapter_0001", scenes)

	idx := domain.ChapterIndex{
		SourceFile:    "source.txt",
		TotalChapters: 1,
		Chapters: []domain.ChapterRecord{
			{ChapterID: "chapter_0001", File: "chapter_0001.txt", Status: domain.ChapterAnnotatedDone, AnnotatedFile: "chapter_0001_annotated.json"},
		},
	}
	if err := SaveChapterIndex(chaptersDir, idx); err != nil {
		t.Fatalf("save index: %v", err)
	}

	store := vectorstore.NewWithClients(&recordingPoints{}, emptyCollections{}, "scenes", 4)
	if err := RunStage4(context.Background(), &fakeEmbedder{dims: 4}, store, chaptersDir, annotatedDir, false); err != nil {
		t.Fatalf("run stage4: %v", err)
	}

	got, err := LoadChapterIndex(chaptersDir)
	if err != nil {
		t.Fatalf("load index: %v", err)
	}
	if got.Chapters[0].Status != domain.ChapterVectorized {
		t.Fatalf("expected chapter marked vectorized, got %s", got.Chapters[0].Status)
	}
}
