// Package vectorstore is the sole owner of all Qdrant operations: scene
// collection lifecycle, payload indexes, deterministic point identity,
// chapter-scoped delete, and filtered similarity search.
package vectorstore

import (
	"context"
	"fmt"
	"log"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/airp2/storyforge/internal/domain"
)

// pointsAPI is the slice of pb.PointsClient this package actually calls,
// narrow enough to mock in tests without a live Qdrant server.
type pointsAPI interface {
	Upsert(context.Context, *pb.UpsertPoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(context.Context, *pb.DeletePoints, ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(context.Context, *pb.SearchPoints, ...grpc.CallOption) (*pb.SearchResponse, error)
	Scroll(context.Context, *pb.ScrollPoints, ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(context.Context, *pb.CreateFieldIndexCollection, ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the slice of pb.CollectionsClient this package calls.
type collectionsAPI interface {
	List(context.Context, *pb.ListCollectionsRequest, ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Get(context.Context, *pb.GetCollectionInfoRequest, ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(context.Context, *pb.CreateCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(context.Context, *pb.DeleteCollection, ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is the sole owner of all Qdrant operations for scene vectors.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr string, collection string, dims int) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
	}, nil
}

// NewWithClients builds a Store around already-constructed points/
// collections clients, letting tests substitute mocks for the gRPC stubs.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *Store {
	return &Store{points: points, collections: collections, collection: collection, dims: dims}
}

// Close closes the underlying gRPC connection. A Store built via
// NewWithClients has none and Close is a no-op.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// payloadIndexFields is the full filter vocabulary the retrieval layer
// queries against.
var payloadIndexFields = []string{
	"characters", "location", "chapter", "chapter_no",
	"plot_significance", "entity_tags",
}

// EnsureCollection creates the collection (and its payload indexes) if
// absent, or recreates it if the existing collection's vector size or
// distance metric does not match. This mirrors the reference
// _ensure_collection's list-then-compare-then-recreate behavior.
func (s *Store) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}

	exists := false
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			exists = true
			break
		}
	}

	if exists {
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
		if err != nil {
			return fmt.Errorf("vectorstore: get collection info: %w", err)
		}
		params := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams()
		if int(params.GetSize()) != s.dims || params.GetDistance() != pb.Distance_Cosine {
			if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection}); err != nil {
				return fmt.Errorf("vectorstore: recreate (delete) collection: %w", err)
			}
			exists = false
		}
	}

	if !exists {
		if err := s.createCollection(ctx); err != nil {
			return err
		}
	}

	s.createIndexes(ctx)
	return nil
}

func (s *Store) createCollection(ctx context.Context) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// createIndexes declares a keyword index per filter field, swallowing
// "already exists" errors the way the reference _safe_create_payload_index
// does — a second ingestion run must not fail because the indexes are
// already there.
func (s *Store) createIndexes(ctx context.Context) {
	for _, field := range payloadIndexFields {
		fieldType := pb.FieldType_FieldTypeKeyword
		if field == "chapter_no" {
			fieldType = pb.FieldType_FieldTypeInteger
		}
		_, err := s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      &fieldType,
		})
		if err != nil {
			log.Printf("vectorstore: create index %s: %v (continuing)", field, err)
		}
	}
}

// DeleteCollection deletes the entire collection.
func (s *Store) DeleteCollection(ctx context.Context) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: s.collection})
	if err != nil {
		return fmt.Errorf("vectorstore: delete collection %s: %w", s.collection, err)
	}
	return nil
}

// Point is a single scene embedding plus its payload, keyed by a
// deterministic UUIDv5 identity (see PointID).
type Point struct {
	ID      string
	Vector  []float32
	Payload domain.VectorPayload
}

// Upsert stores points into the collection, replacing any point sharing
// the same deterministic ID.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	pbPoints := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		pbPoints[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}},
			},
			Payload: payloadToValues(p.Payload),
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         pbPoints,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteByChapter removes every point tagged with the given chapter id.
// Pipeline stage 4 calls this before upserting a chapter's new points, so
// re-running vectorization never leaves stale scenes behind.
func (s *Store) DeleteByChapter(ctx context.Context, chapterID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatchKeyword("chapter", chapterID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete chapter %s: %w", chapterID, err)
	}
	return nil
}

// SearchHit is a single similarity search result.
type SearchHit struct {
	ID      string
	Score   float32
	Payload domain.VectorPayload
}

// Filter narrows a Search or Scroll call to the documented filter
// vocabulary. Zero values are omitted from the query. The exact-match
// fields (Characters, Location, Chapter, ...) are ANDed together; the
// AnyCharacters/AnyLocations fields are ORed against each other — "the
// point has at least one of these characters, or is at one of these
// locations" — matching the retrieval orchestrator's structured filter
// channel, which recalls candidates by loose entity/location association
// rather than an exact payload match.
type Filter struct {
	Characters       []string
	Location         string
	Chapter          string
	MaxChapterNo     *int
	PlotSignificance domain.PlotSignificance
	EntityTags       []string

	AnyCharacters []string
	AnyLocations  []string
}

// Search performs k-NN similarity search, optionally narrowed by filter.
// If the first search fails it attempts one EnsureCollection call and
// retries once; domain.ErrCollectionMissing is returned when that
// EnsureCollection call fails, otherwise the retry's own result is.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter *Filter) ([]SearchHit, error) {
	hits, err := s.search(ctx, embedding, topK, filter)
	if err == nil {
		return hits, nil
	}

	if err := s.EnsureCollection(ctx); err != nil {
		return nil, domain.ErrCollectionMissing
	}
	return s.search(ctx, embedding, topK, filter)
}

func (s *Store) search(ctx context.Context, embedding []float32, topK int, filter *Filter) ([]SearchHit, error) {
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	if filter != nil {
		req.Filter = buildFilter(*filter)
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}

	hits := make([]SearchHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = SearchHit{
			ID:      r.GetId().GetUuid(),
			Score:   r.GetScore(),
			Payload: payloadFromValues(r.GetPayload()),
		}
	}
	return hits, nil
}

// Scroll pages through points matching filter without a query vector — the
// structured filter retrieval channel's entry point, which recalls by
// metadata association rather than semantic similarity. Hits carry no
// meaningful Score; callers assign their own baseline.
func (s *Store) Scroll(ctx context.Context, limit int, filter *Filter) ([]SearchHit, error) {
	hits, err := s.scroll(ctx, limit, filter)
	if err == nil {
		return hits, nil
	}

	if err := s.EnsureCollection(ctx); err != nil {
		return nil, domain.ErrCollectionMissing
	}
	return s.scroll(ctx, limit, filter)
}

func (s *Store) scroll(ctx context.Context, limit int, filter *Filter) ([]SearchHit, error) {
	req := &pb.ScrollPoints{
		CollectionName: s.collection,
		Limit:          proto.Uint32(uint32(limit)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if filter != nil {
		req.Filter = buildFilter(*filter)
	}

	resp, err := s.points.Scroll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: scroll: %w", err)
	}

	hits := make([]SearchHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = SearchHit{
			ID:      r.GetId().GetUuid(),
			Payload: payloadFromValues(r.GetPayload()),
		}
	}
	return hits, nil
}

func buildFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	for _, c := range f.Characters {
		must = append(must, fieldMatchKeyword("characters", c))
	}
	if f.Location != "" {
		must = append(must, fieldMatchKeyword("location", f.Location))
	}
	if f.Chapter != "" {
		must = append(must, fieldMatchKeyword("chapter", f.Chapter))
	}
	if f.MaxChapterNo != nil {
		must = append(must, fieldRangeLTE("chapter_no", *f.MaxChapterNo))
	}
	if f.PlotSignificance != "" {
		must = append(must, fieldMatchKeyword("plot_significance", string(f.PlotSignificance)))
	}
	for _, tag := range f.EntityTags {
		must = append(must, fieldMatchKeyword("entity_tags", tag))
	}

	var should []*pb.Condition
	if len(f.AnyCharacters) > 0 {
		should = append(should, fieldMatchAnyKeyword("characters", f.AnyCharacters))
	}
	if len(f.AnyLocations) > 0 {
		should = append(should, fieldMatchAnyKeyword("location", f.AnyLocations))
	}

	if len(must) == 0 && len(should) == 0 {
		return nil
	}
	return &pb.Filter{Must: must, Should: should}
}

func fieldMatchKeyword(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// fieldMatchAnyKeyword builds a should-clause condition satisfied when the
// field's value is any one of values — the Go client's equivalent of
// Qdrant's MatchAny, used for the disjunction ("characters any entities")
// the structured filter and semantic channels both apply.
func fieldMatchAnyKeyword(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}},
			},
		},
	}
}

func fieldRangeLTE(key string, value int) *pb.Condition {
	lte := float64(value)
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Range: &pb.Range{Lte: &lte},
			},
		},
	}
}
