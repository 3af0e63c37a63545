package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

func TestRepoRepo_AddAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoRepo(db)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "octocat", got.Owner)
	assert.Equal(t, "hello-world", got.Name)
	assert.Equal(t, "octocat/hello-world", got.FullName())
	assert.Nil(t, got.LastScanAt)

	byName, err := repo.GetByName(ctx, "octocat", "hello-world")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, id, byName.ID)

	missing, err := repo.GetByName(ctx, "octocat", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepoRepo_Add_DuplicateRejected(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoRepo(db)
	ctx := context.Background()

	_, err := repo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	require.NoError(t, err)

	_, err = repo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	assert.Error(t, err)
}

func TestRepoRepo_SetLastScanAt(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoRepo(db)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	require.NoError(t, err)

	at := time.Date(2026, 7, 20, 15, 30, 0, 0, time.UTC)
	require.NoError(t, repo.SetLastScanAt(ctx, id, at))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastScanAt)
	assert.True(t, got.LastScanAt.Equal(at))

	assert.Error(t, repo.SetLastScanAt(ctx, 999, at))
}

func TestRepoRepo_DeleteCascadesToPRs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepoRepo(db)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.Repository{Owner: "octocat", Name: "hello-world"})
	require.NoError(t, err)

	prRepo := NewPRRepo(db)
	_, err = prRepo.Upsert(ctx, makePR(id, 1, "PR"))
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, id))

	prs, err := prRepo.GetByRepo(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestAccountRepo_AddGetAndLookupByKey(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepo(db)
	ctx := context.Background()

	id, err := repo.Add(ctx, model.Account{
		Name:           "acme",
		APIKey:         "secret-key",
		ProviderConfig: `{"chat":{"provider":"anthropic"}}`,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.Name)
	assert.Contains(t, got.ProviderConfig, "anthropic")

	byKey, err := repo.GetByAPIKey(ctx, "secret-key")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, id, byKey.ID)

	missing, err := repo.GetByAPIKey(ctx, "wrong-key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
