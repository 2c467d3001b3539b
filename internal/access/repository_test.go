package access

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/permitdesk/permitdesk/internal/platform/db"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.Migrate(ctx, dsn))
	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewRepository(pool)
}

func TestRepositoryUpsertAccessIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	identity := Identity("it-" + uuid.NewString())
	entries := DefaultsFor(RoleStaff).PageAccess

	require.NoError(t, repo.UpsertAccess(ctx, identity, entries))
	once, err := repo.FetchAccess(ctx, identity)
	require.NoError(t, err)

	require.NoError(t, repo.UpsertAccess(ctx, identity, entries))
	twice, err := repo.FetchAccess(ctx, identity)
	require.NoError(t, err)

	require.Equal(t, once, twice)
	require.Len(t, twice, len(Pages()))
}

func TestRepositoryCapabilitiesRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	identity := Identity("it-" + uuid.NewString())

	_, err := repo.FetchCapabilities(ctx, identity)
	require.ErrorIs(t, err, ErrNotFound)

	flags := DefaultsFor(RoleAnalyst).Capabilities
	require.NoError(t, repo.UpsertCapabilities(ctx, identity, flags))
	require.NoError(t, repo.UpsertCapabilities(ctx, identity, flags))
	got, err := repo.FetchCapabilities(ctx, identity)
	require.NoError(t, err)
	require.Equal(t, flags, got)
}

func TestRepositorySeedKeepsExistingRows(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	identity := Identity("it-" + uuid.NewString())

	custom := DefaultsFor(RoleAdmin).PageAccess
	require.NoError(t, repo.UpsertAccess(ctx, identity, custom))
	require.NoError(t, repo.UpsertCapabilities(ctx, identity, DefaultsFor(RoleAdmin).Capabilities))

	viewer := DefaultsFor(RoleViewer)
	require.NoError(t, repo.SeedAccess(ctx, identity, viewer.PageAccess))
	require.NoError(t, repo.SeedAccess(ctx, identity, viewer.PageAccess))
	require.NoError(t, repo.SeedCapabilities(ctx, identity, viewer.Capabilities))

	entries, err := repo.FetchAccess(ctx, identity)
	require.NoError(t, err)
	require.ElementsMatch(t, custom, entries)
	caps, err := repo.FetchCapabilities(ctx, identity)
	require.NoError(t, err)
	require.Equal(t, DefaultsFor(RoleAdmin).Capabilities, caps)
}

func TestRepositoryRejectsUnknownPage(t *testing.T) {
	repo := NewRepository(nil)
	err := repo.UpsertAccess(context.Background(), "u-1", []PageAccessEntry{{Page: "billing"}})
	require.ErrorIs(t, err, ErrInvalidPage)
	err = repo.SeedAccess(context.Background(), "u-1", []PageAccessEntry{{Page: "billing"}})
	require.ErrorIs(t, err, ErrInvalidPage)
}

func TestRepositoryFetchAccessEmpty(t *testing.T) {
	repo := newTestRepository(t)
	entries, err := repo.FetchAccess(context.Background(), Identity("it-"+uuid.NewString()))
	require.NoError(t, err)
	require.Empty(t, entries)
}
