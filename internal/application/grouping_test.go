package application

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

func positive(conf float64) model.PairVerdict {
	return model.PairVerdict{IsDuplicate: true, Confidence: conf, Relationship: model.RelationshipNearDuplicate}
}

func negative() model.PairVerdict {
	return model.PairVerdict{IsDuplicate: false, Confidence: 0.2, Relationship: model.RelationshipUnrelated}
}

func keyOf(a, b int) string {
	return model.NewCandidatePair(a, b).Key()
}

func TestExtractCliques_NonTransitiveTrio(t *testing.T) {
	// (A,B) and (B,C) confirmed, (A,C) rejected: the highest-confidence edge
	// seeds {A, B}; C must not join because it lacks an edge to A.
	verdicts := map[string]model.PairVerdict{
		keyOf(1, 2): positive(0.88),
		keyOf(2, 3): positive(0.82),
		keyOf(1, 3): negative(),
	}

	cliques := extractCliques(verdicts)
	require.Len(t, cliques, 1)
	assert.Equal(t, []int{1, 2}, cliques[0].numbers)
	assert.Equal(t, 0.88, cliques[0].seed.verdict.Confidence)
}

func TestExtractCliques_FullTriangle(t *testing.T) {
	verdicts := map[string]model.PairVerdict{
		keyOf(1, 2): positive(0.9),
		keyOf(2, 3): positive(0.8),
		keyOf(1, 3): positive(0.7),
	}

	cliques := extractCliques(verdicts)
	require.Len(t, cliques, 1)
	assert.Equal(t, []int{1, 2, 3}, cliques[0].numbers)
}

func TestExtractCliques_EveryPairInsideAGroupIsConfirmed(t *testing.T) {
	// A 4-node graph where {1,2,3} is a triangle and 4 connects only to 3.
	verdicts := map[string]model.PairVerdict{
		keyOf(1, 2): positive(0.95),
		keyOf(1, 3): positive(0.9),
		keyOf(2, 3): positive(0.85),
		keyOf(3, 4): positive(0.99),
	}

	cliques := extractCliques(verdicts)

	confirmed := func(a, b int) bool {
		v, ok := verdicts[keyOf(a, b)]
		return ok && v.IsDuplicate
	}
	for _, cl := range cliques {
		for i := 0; i < len(cl.numbers); i++ {
			for j := i + 1; j < len(cl.numbers); j++ {
				assert.True(t, confirmed(cl.numbers[i], cl.numbers[j]),
					"pair (%d,%d) inside a group must be confirmed", cl.numbers[i], cl.numbers[j])
			}
		}
	}

	// The 3-4 edge wins the seed round; the remaining triangle nodes pair up.
	require.Len(t, cliques, 2)
	assert.Equal(t, []int{3, 4}, cliques[0].numbers)
	assert.Equal(t, []int{1, 2}, cliques[1].numbers)
}

func TestExtractCliques_DeterministicTieBreaks(t *testing.T) {
	// Two disjoint edges with equal confidence: the lower-numbered pair seeds
	// first, every run.
	verdicts := map[string]model.PairVerdict{
		keyOf(5, 6): positive(0.8),
		keyOf(1, 2): positive(0.8),
	}

	for i := 0; i < 10; i++ {
		cliques := extractCliques(verdicts)
		require.Len(t, cliques, 2)
		assert.Equal(t, []int{1, 2}, cliques[0].numbers)
		assert.Equal(t, []int{5, 6}, cliques[1].numbers)
	}
}

func TestExtractCliques_ExpansionTieBreaksByNumber(t *testing.T) {
	// 3 and 4 both fully connect to the {1,2} seed with the same minimum
	// confidence; 3 is admitted first by number, then 4 only if it connects
	// to 3 as well -- which it does not here.
	verdicts := map[string]model.PairVerdict{
		keyOf(1, 2): positive(0.9),
		keyOf(1, 3): positive(0.7),
		keyOf(2, 3): positive(0.7),
		keyOf(1, 4): positive(0.7),
		keyOf(2, 4): positive(0.7),
	}

	cliques := extractCliques(verdicts)
	require.Len(t, cliques, 1)
	assert.Equal(t, []int{1, 2, 3}, cliques[0].numbers)
}

func TestExtractCliques_ErroredAndNegativeVerdictsIgnored(t *testing.T) {
	verdicts := map[string]model.PairVerdict{
		keyOf(1, 2): {IsDuplicate: true, Confidence: 0.9, Relationship: model.RelationshipError},
		keyOf(3, 4): negative(),
	}

	assert.Empty(t, extractCliques(verdicts))
}

func TestExtractCliques_NoEdges(t *testing.T) {
	assert.Empty(t, extractCliques(nil))
	assert.Empty(t, extractCliques(map[string]model.PairVerdict{}))
}
