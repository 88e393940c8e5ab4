package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/airp2/storyforge/internal/modelclient"
	"github.com/airp2/storyforge/internal/queryunderstanding"
	"github.com/airp2/storyforge/internal/retrieval"
	"github.com/airp2/storyforge/internal/storage"
	"github.com/airp2/storyforge/internal/vectorstore"
	"github.com/airp2/storyforge/internal/worldbook"
)

// novelServices bundles the retrieval/worldbook/query-understanding stack
// built for one novel's own vector collection and profile directory.
type novelServices struct {
	store        *vectorstore.Store
	query        *queryunderstanding.Service
	orchestrator *retrieval.Orchestrator
	builder      *worldbook.Builder
	responder    *worldbook.Responder
}

// retrievalCache lazily builds and caches the per-novel service bundle
// above, keyed by novel id. Every novel owns its own Qdrant collection (the
// pipeline stores vectors per-novel under vector_db/users/{user}/{novel}),
// so a single shared Orchestrator can't serve every novel. Get holds the
// cache mutex while it builds a missing bundle, so concurrent callers wait
// until that build finishes.
type retrievalCache struct {
	mu           sync.Mutex
	entries      map[string]*novelServices
	storesByPath map[string]*vectorstore.Store

	layout storage.Layout
	cfg    Config
	embed  *modelclient.EmbedClient
	chat   *modelclient.Client

	points      pb.PointsClient
	collections pb.CollectionsClient
	conn        *grpc.ClientConn
}

func newRetrievalCache(cfg Config, layout storage.Layout, embed *modelclient.EmbedClient, chat *modelclient.Client) *retrievalCache {
	c := &retrievalCache{
		entries:      make(map[string]*novelServices),
		storesByPath: make(map[string]*vectorstore.Store),
		layout:       layout,
		cfg:          cfg,
		embed:        embed,
		chat:         chat,
	}

	conn, err := grpc.NewClient(cfg.QdrantAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err == nil {
		c.conn = conn
		c.points = pb.NewPointsClient(conn)
		c.collections = pb.NewCollectionsClient(conn)
	}
	return c
}

// collectionNameForPath derives a per-novel Qdrant collection name from a
// novel's vector-db filesystem path (vector_db/users/{user_id}/{novel_id}),
// so every collection name stays unique across users and novels without
// needing to re-validate ids here.
func collectionNameForPath(vectorDBPath string) string {
	clean := strings.Trim(filepath.ToSlash(filepath.Clean(vectorDBPath)), "/")
	return "novel__" + strings.ReplaceAll(clean, "/", "__")
}

// storeFor returns the cached *vectorstore.Store for a novel's workspace,
// building and ensuring its collection on first use. Callers must hold c.mu.
func (c *retrievalCache) storeFor(ctx context.Context, paths storage.NovelPaths) (*vectorstore.Store, error) {
	if store, ok := c.storesByPath[paths.VectorDBPath]; ok {
		return store, nil
	}
	if c.points == nil || c.collections == nil {
		return nil, fmt.Errorf("retrieval cache: qdrant client unavailable")
	}

	store := vectorstore.NewWithClients(c.points, c.collections, collectionNameForPath(paths.VectorDBPath), c.cfg.EmbedDimensions)
	if err := store.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("retrieval cache: ensure collection for %s: %w", paths.VectorDBPath, err)
	}
	c.storesByPath[paths.VectorDBPath] = store
	return store, nil
}

// StoreFor exposes storeFor for the pipeline scheduler's StoreResolver,
// which only ever sees a novel's paths, not its id.
func (c *retrievalCache) StoreFor(ctx context.Context, paths storage.NovelPaths) (*vectorstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeFor(ctx, paths)
}

// Get returns the cached bundle for novelID, building one on first use.
func (c *retrievalCache) Get(ctx context.Context, novelID string, paths storage.NovelPaths) (*novelServices, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.entries[novelID]; ok {
		return svc, nil
	}

	store, err := c.storeFor(ctx, paths)
	if err != nil {
		return nil, err
	}

	qu := queryunderstanding.New(paths.ProfilesDir, paths.AnnotatedDir)

	orchestrator := &retrieval.Orchestrator{
		Vector:  &retrieval.VectorChannel{Embedder: c.embed, Store: store},
		Filter:  &retrieval.FilterChannel{Store: store},
		Profile: &retrieval.ProfileChannel{ProfilesDir: paths.ProfilesDir},
	}

	bundle := &novelServices{
		store:        store,
		query:        qu,
		orchestrator: orchestrator,
		builder:      worldbook.NewBuilder(),
		responder:    &worldbook.Responder{Chat: c.chat, Model: c.cfg.ChatModel},
	}
	c.entries[novelID] = bundle
	return bundle, nil
}

// Invalidate drops a novel's cached bundle so the next Get rebuilds it
// against fresh profile/alias data. Called after a pipeline job reaches a
// terminal state, since that's when profiles and the vector collection
// change underneath the cached Service.
func (c *retrievalCache) Invalidate(novelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, novelID)
}

// Close releases the shared gRPC connection every cached bundle's store
// was built against.
func (c *retrievalCache) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
