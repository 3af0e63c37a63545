package application

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankMembers_SortsAndAssignsRanks(t *testing.T) {
	members := rankMembers([]int{1, 2, 3}, []rankEntry{
		{PRNumber: 2, Score: 0.5, Rationale: "partial"},
		{PRNumber: 3, Score: 0.9, Rationale: "complete"},
		{PRNumber: 1, Score: 0.7, Rationale: "ok"},
	})

	require.Len(t, members, 3)
	assert.Equal(t, 3, members[0].PRNumber)
	assert.Equal(t, 1, members[0].Rank)
	assert.Equal(t, 1, members[1].PRNumber)
	assert.Equal(t, 2, members[1].Rank)
	assert.Equal(t, 2, members[2].PRNumber)
	assert.Equal(t, 3, members[2].Rank)

	// Rank 1 carries the highest score; ranks are a 1..N permutation.
	for i := 1; i < len(members); i++ {
		assert.GreaterOrEqual(t, members[i-1].Score, members[i].Score)
		assert.Equal(t, i+1, members[i].Rank)
	}
}

func TestRankMembers_DeduplicatesAndIgnoresOutsiders(t *testing.T) {
	members := rankMembers([]int{1, 2}, []rankEntry{
		{PRNumber: 1, Score: 0.9, Rationale: "first"},
		{PRNumber: 1, Score: 0.1, Rationale: "duplicate entry"},
		{PRNumber: 7, Score: 1.0, Rationale: "not in group"},
		{PRNumber: 2, Score: 0.4},
	})

	require.Len(t, members, 2)
	assert.Equal(t, 1, members[0].PRNumber)
	assert.Equal(t, 0.9, members[0].Score)
	assert.Equal(t, "first", members[0].Rationale)
	assert.Equal(t, 2, members[1].PRNumber)
}

func TestRankMembers_AppendsMissingMembers(t *testing.T) {
	members := rankMembers([]int{1, 2, 3}, []rankEntry{
		{PRNumber: 2, Score: 0.8},
	})

	require.Len(t, members, 3)
	assert.Equal(t, 2, members[0].PRNumber)

	// Unranked members trail with zero scores, in number order.
	assert.Equal(t, 1, members[1].PRNumber)
	assert.Equal(t, 3, members[2].PRNumber)
	assert.Zero(t, members[1].Score)
	assert.Equal(t, "not ranked by provider", members[1].Rationale)
}

func TestRankMembers_EmptyEntriesFallBackToNumberOrder(t *testing.T) {
	members := rankMembers([]int{4, 2, 9}, nil)

	require.Len(t, members, 3)
	assert.Equal(t, 2, members[0].PRNumber)
	assert.Equal(t, 4, members[1].PRNumber)
	assert.Equal(t, 9, members[2].PRNumber)
	for i, member := range members {
		assert.Equal(t, i+1, member.Rank)
	}
}
