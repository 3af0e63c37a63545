package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

func TestVectorRepo_EnsureCollection(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVectorRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.EnsureCollection(ctx, "intent_test", 3))
	// Idempotent with the same dimension.
	require.NoError(t, repo.EnsureCollection(ctx, "intent_test", 3))
	// A different dimension is a wiring error.
	assert.Error(t, repo.EnsureCollection(ctx, "intent_test", 4))
}

func TestVectorRepo_UpsertSearchGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVectorRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.EnsureCollection(ctx, "intent_test", 3))

	points := []driven.VectorPoint{
		{ID: "1-1-intent", Vector: []float32{1, 0, 0}, Payload: map[string]string{"repo_id": "1", "pr_number": "1"}},
		{ID: "1-2-intent", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]string{"repo_id": "1", "pr_number": "2"}},
		{ID: "2-7-intent", Vector: []float32{1, 0, 0}, Payload: map[string]string{"repo_id": "2", "pr_number": "7"}},
		{ID: "1-3-intent", Vector: []float32{0, 0, 1}, Payload: map[string]string{"repo_id": "1", "pr_number": "3"}},
	}
	require.NoError(t, repo.Upsert(ctx, "intent_test", points))

	hits, err := repo.Search(ctx, "intent_test", []float32{1, 0, 0}, driven.SearchOptions{
		Limit:  3,
		Filter: map[string]string{"repo_id": "1"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)

	// Best match first; the other repo's identical vector is filtered out.
	assert.Equal(t, "1-1-intent", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "1-2-intent", hits[1].ID)
	assert.Greater(t, hits[1].Score, 0.9)
	assert.Equal(t, "1-3-intent", hits[2].ID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)

	vec, err := repo.GetVector(ctx, "intent_test", "1-1-intent")
	require.NoError(t, err)
	require.NotNil(t, vec)
	assert.Len(t, vec, 3)

	missing, err := repo.GetVector(ctx, "intent_test", "9-9-intent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVectorRepo_Upsert_Replaces(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVectorRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.EnsureCollection(ctx, "code_test", 2))

	point := driven.VectorPoint{ID: "1-1-code", Vector: []float32{1, 0}, Payload: map[string]string{"repo_id": "1"}}
	require.NoError(t, repo.Upsert(ctx, "code_test", []driven.VectorPoint{point}))

	point.Vector = []float32{0, 1}
	require.NoError(t, repo.Upsert(ctx, "code_test", []driven.VectorPoint{point}))

	vec, err := repo.GetVector(ctx, "code_test", "1-1-code")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(vec[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(vec[1]), 1e-6)
}

func TestVectorRepo_DeleteByFilter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVectorRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.EnsureCollection(ctx, "code_test", 2))
	require.NoError(t, repo.Upsert(ctx, "code_test", []driven.VectorPoint{
		{ID: "1-1-code", Vector: []float32{1, 0}, Payload: map[string]string{"repo_id": "1"}},
		{ID: "2-1-code", Vector: []float32{1, 0}, Payload: map[string]string{"repo_id": "2"}},
	}))

	require.NoError(t, repo.DeleteByFilter(ctx, "code_test", map[string]string{"repo_id": "1"}))

	gone, err := repo.GetVector(ctx, "code_test", "1-1-code")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := repo.GetVector(ctx, "code_test", "2-1-code")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
