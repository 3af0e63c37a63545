package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

func TestPRRepo_Upsert_Insert(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	stored, err := repo.Upsert(ctx, makePR(repoID, 1, "Add README"))
	require.NoError(t, err)
	require.NotNil(t, stored)

	assert.Equal(t, 1, stored.Number)
	assert.Equal(t, repoID, stored.RepoID)
	assert.Equal(t, "Add README", stored.Title)
	assert.Equal(t, model.PRStateOpen, stored.State)
	assert.Nil(t, stored.EmbedHash)
	assert.Nil(t, stored.IntentSummary)
}

func TestPRRepo_Upsert_ContentChangeInvalidatesCacheFields(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	pr := makePR(repoID, 1, "Fix login timeout")
	stored, err := repo.Upsert(ctx, pr)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateCacheFields(ctx, stored.ID, strPtr("deadbeefdeadbeef"), strPtr("fixes auth timeouts")))

	// Title change nulls both cache fields in the same transaction.
	pr.Title = "Fix login timeout (rebased)"
	pr.UpdatedAt = pr.UpdatedAt.Add(time.Hour)
	stored, err = repo.Upsert(ctx, pr)
	require.NoError(t, err)

	assert.Nil(t, stored.EmbedHash)
	assert.Nil(t, stored.IntentSummary)
}

func TestPRRepo_Upsert_EachContentFieldInvalidates(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	mutations := map[string]func(*model.PullRequest){
		"diff_hash":  func(pr *model.PullRequest) { pr.DiffHash = strPtr("feedfacefeedface") },
		"title":      func(pr *model.PullRequest) { pr.Title = "changed" },
		"body":       func(pr *model.PullRequest) { pr.Body = "changed" },
		"file_paths": func(pr *model.PullRequest) { pr.FilePaths = []string{"other.go"} },
	}

	number := 1
	for field, mutate := range mutations {
		pr := makePR(repoID, number, "Original title")
		number++

		stored, err := repo.Upsert(ctx, pr)
		require.NoError(t, err, field)
		require.NoError(t, repo.UpdateCacheFields(ctx, stored.ID, strPtr("cafebabecafebabe"), strPtr("summary")))

		mutate(&pr)
		stored, err = repo.Upsert(ctx, pr)
		require.NoError(t, err, field)

		assert.Nil(t, stored.EmbedHash, "changing %s must null embed_hash", field)
		assert.Nil(t, stored.IntentSummary, "changing %s must null intent_summary", field)
	}
}

func TestPRRepo_Upsert_MetadataChangePreservesCacheFields(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	pr := makePR(repoID, 1, "Fix login timeout")
	stored, err := repo.Upsert(ctx, pr)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateCacheFields(ctx, stored.ID, strPtr("deadbeefdeadbeef"), strPtr("fixes auth timeouts")))

	// State flip with identical content keeps the cache warm.
	pr.State = model.PRStateClosed
	pr.UpdatedAt = pr.UpdatedAt.Add(time.Hour)
	stored, err = repo.Upsert(ctx, pr)
	require.NoError(t, err)

	require.NotNil(t, stored.EmbedHash)
	assert.Equal(t, "deadbeefdeadbeef", *stored.EmbedHash)
	require.NotNil(t, stored.IntentSummary)
	assert.Equal(t, "fixes auth timeouts", *stored.IntentSummary)
	assert.Equal(t, model.PRStateClosed, stored.State)
}

func TestPRRepo_MarkStaleClosed(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	for _, n := range []int{1, 2, 3} {
		_, err := repo.Upsert(ctx, makePR(repoID, n, "PR"))
		require.NoError(t, err)
	}

	closed, err := repo.MarkStaleClosed(ctx, repoID, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	got, err := repo.GetByNumber(ctx, repoID, 2)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.PRStateClosed, got.State)

	for _, n := range []int{1, 3} {
		got, err := repo.GetByNumber(ctx, repoID, n)
		require.NoError(t, err)
		assert.Equal(t, model.PRStateOpen, got.State)
	}
}

func TestPRRepo_MarkStaleClosed_EmptyOpenSetClosesAll(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	for _, n := range []int{1, 2} {
		_, err := repo.Upsert(ctx, makePR(repoID, n, "PR"))
		require.NoError(t, err)
	}

	closed, err := repo.MarkStaleClosed(ctx, repoID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), closed)
}

func TestPRRepo_GetByNumbers(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)
	ctx := context.Background()

	for _, n := range []int{1, 2, 3, 4} {
		_, err := repo.Upsert(ctx, makePR(repoID, n, "PR"))
		require.NoError(t, err)
	}

	got, err := repo.GetByNumbers(ctx, repoID, []int{4, 2, 99})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Number)
	assert.Equal(t, 4, got[1].Number)

	empty, err := repo.GetByNumbers(ctx, repoID, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPRRepo_GetByNumber_Missing(t *testing.T) {
	db := setupTestDB(t)
	repoID := addTestRepo(t, db, "octocat", "hello-world")
	repo := NewPRRepo(db)

	got, err := repo.GetByNumber(context.Background(), repoID, 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPRRepo_ContentHashChangesWithContent(t *testing.T) {
	pr := makePR(1, 1, "Fix login timeout")
	h1 := pr.ContentHash()
	assert.Len(t, h1, 16)

	pr.Title = "Different title"
	assert.NotEqual(t, h1, pr.ContentHash())
}
