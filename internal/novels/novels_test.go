package novels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airp2/storyforge/internal/auth"
	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/statedb"
	"github.com/airp2/storyforge/internal/storage"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	db, err := statedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	authSvc := auth.NewService(db, 30, 30)
	u, err := authSvc.Register(context.Background(), "owner", "correct-horse-battery")
	require.NoError(t, err)

	layout := storage.NewLayout(t.TempDir(), "", "")
	return New(db, layout), u.ID
}

func TestCreateProvisionsWorkspaceAndSlugifiesID(t *testing.T) {
	svc, owner := newTestService(t)

	n, err := svc.Create(context.Background(), owner, "仙剑奇侠传")
	require.NoError(t, err)
	require.Equal(t, owner, n.OwnerUserID)
	require.Equal(t, domain.VisibilityPrivate, n.Visibility)
	require.Equal(t, domain.NovelStatusCreated, n.Status)
	require.Regexp(t, `^novel-[0-9a-f]{6}$`, n.ID)

	paths, err := svc.Paths(context.Background(), n.ID)
	require.NoError(t, err)
	require.DirExists(t, paths.InputDir)
}

func TestGetExcludesSoftDeletedNovels(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, owner, n.ID, false))

	_, err = svc.Get(ctx, n.ID)
	require.ErrorIs(t, err, domain.ErrNovelNotFound)
}

func TestAssertOwnerRejectsNonOwner(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)

	_, err = svc.AssertOwner(ctx, "someone-else", n.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCanReadAllowsOwnerAlwaysAndOthersOnlyWhenPublic(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)

	ok, err := svc.CanRead(ctx, owner, n.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.CanRead(ctx, "stranger", n.ID)
	require.NoError(t, err)
	require.False(t, ok)

	visibility := string(domain.VisibilityPublic)
	_, err = svc.Update(ctx, owner, n.ID, UpdateFields{Visibility: &visibility})
	require.NoError(t, err)

	ok, err = svc.CanRead(ctx, "stranger", n.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpdateRejectsInvalidVisibility(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)

	bad := "everyone"
	_, err = svc.Update(ctx, owner, n.ID, UpdateFields{Visibility: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidVisibility)
}

func TestListByOwnerExcludesOtherOwnersAndDeleted(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, owner, "alpha")
	require.NoError(t, err)
	_, err = svc.Create(ctx, owner, "beta")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, owner, a.ID, false))

	list, err := svc.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "beta", list[0].Title)
}

func TestListPublicOnlyReturnsPublicNonDeleted(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	priv, err := svc.Create(ctx, owner, "private one")
	require.NoError(t, err)
	_ = priv

	pub, err := svc.Create(ctx, owner, "public one")
	require.NoError(t, err)
	visibility := string(domain.VisibilityPublic)
	_, err = svc.Update(ctx, owner, pub.ID, UpdateFields{Visibility: &visibility})
	require.NoError(t, err)

	list, err := svc.ListPublic(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "public one", list[0].Title)
}

func TestUpdateSourceMetaMovesStatusToUploaded(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)

	updated, err := svc.UpdateSourceMeta(ctx, owner, n.ID, domain.SourceMeta{
		Filename: "source.txt", Bytes: 1024, CharCount: 500, LineCount: 20,
	})
	require.NoError(t, err)
	require.Equal(t, domain.NovelStatusUploaded, updated.Status)
	require.Equal(t, 500, updated.Source.CharCount)
	require.Equal(t, 20, updated.Source.LineCount)
}

func TestApplyJobStatusDrivesNovelThroughLifecycle(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)

	svc.ApplyJobStatus(ctx, domain.PipelineJob{ID: "job-1", NovelID: n.ID, Status: domain.JobRunning})
	got, err := svc.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, domain.NovelStatusProcessing, got.Status)
	require.Equal(t, "job-1", got.LastJobID)

	svc.ApplyJobStatus(ctx, domain.PipelineJob{ID: "job-1", NovelID: n.ID, Status: domain.JobSucceeded, Result: map[string]any{"scenes": 42.0}})
	got, err = svc.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, domain.NovelStatusReady, got.Status)
	require.Equal(t, 42.0, got.Stats["scenes"])

	svc.ApplyJobStatus(ctx, domain.PipelineJob{ID: "job-2", NovelID: n.ID, Status: domain.JobFailed, Error: "boom"})
	got, err = svc.Get(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, domain.NovelStatusFailed, got.Status)
	require.Equal(t, "boom", got.LastError)
}

func TestDeleteSoftDeletesAndRemovesWorkspace(t *testing.T) {
	svc, owner := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, owner, "test")
	require.NoError(t, err)
	paths, err := svc.Paths(ctx, n.ID)
	require.NoError(t, err)
	require.DirExists(t, paths.NovelDir)

	require.NoError(t, svc.Delete(ctx, owner, n.ID, false))
	require.NoDirExists(t, paths.NovelDir)
}
