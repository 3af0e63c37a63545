package application

import (
	"fmt"
	"sort"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// confirmedEdge is a positive pairwise verdict between two PRs.
type confirmedEdge struct {
	pair    model.CandidatePair
	verdict model.PairVerdict
}

// clique is a group of PRs where every pair carries a confirmed edge, plus
// the seed edge's verdict for labeling.
type clique struct {
	numbers []int
	seed    confirmedEdge
}

// extractCliques partitions PRs into duplicate groups by greedy clique
// extraction. Union-find over positive edges would chain A-B-C into one
// cluster even when (A,C) was never confirmed; this keeps only groups whose
// every internal pair has a positive verdict.
//
// Edges are consumed in descending confidence order (ties by pair numbers
// ascending). The top unused edge seeds a group; unassigned PRs join only if
// they hold a confirmed edge to every current member, strongest candidate
// first, ties by ascending PR number.
func extractCliques(verdicts map[string]model.PairVerdict) []clique {
	edges := confirmedEdges(verdicts)
	if len(edges) == 0 {
		return nil
	}

	confirmed := make(map[string]model.PairVerdict, len(edges))
	used := make(map[int]bool)
	candidates := make(map[int]bool)
	for _, e := range edges {
		confirmed[e.pair.Key()] = e.verdict
		candidates[e.pair.NumA] = true
		candidates[e.pair.NumB] = true
	}

	var cliques []clique

	for _, seed := range edges {
		if used[seed.pair.NumA] || used[seed.pair.NumB] {
			continue
		}

		members := []int{seed.pair.NumA, seed.pair.NumB}
		used[seed.pair.NumA] = true
		used[seed.pair.NumB] = true

		// Expand until no unassigned PR connects to every member.
		for {
			best, bestConf, found := 0, 0.0, false

			for c := range candidates {
				if used[c] {
					continue
				}

				minConf, connected := minConfidenceToAll(confirmed, c, members)
				if !connected {
					continue
				}
				if !found || minConf > bestConf || (minConf == bestConf && c < best) {
					best, bestConf, found = c, minConf, true
				}
			}

			if !found {
				break
			}
			members = append(members, best)
			used[best] = true
		}

		sort.Ints(members)
		cliques = append(cliques, clique{numbers: members, seed: seed})
	}

	return cliques
}

// confirmedEdges returns the positive verdicts sorted by confidence
// descending, ties by (min PR number, max PR number) ascending, for
// deterministic extraction.
func confirmedEdges(verdicts map[string]model.PairVerdict) []confirmedEdge {
	var edges []confirmedEdge
	for key, verdict := range verdicts {
		if !verdict.IsDuplicate || verdict.Errored() {
			continue
		}
		pair, ok := parsePairKey(key)
		if !ok {
			continue
		}
		edges = append(edges, confirmedEdge{pair: pair, verdict: verdict})
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].verdict.Confidence != edges[j].verdict.Confidence {
			return edges[i].verdict.Confidence > edges[j].verdict.Confidence
		}
		if edges[i].pair.NumA != edges[j].pair.NumA {
			return edges[i].pair.NumA < edges[j].pair.NumA
		}
		return edges[i].pair.NumB < edges[j].pair.NumB
	})

	return edges
}

// minConfidenceToAll returns the weakest confirmed edge from candidate to
// the members, or connected=false if any pair lacks a confirmed edge.
func minConfidenceToAll(confirmed map[string]model.PairVerdict, candidate int, members []int) (minConf float64, connected bool) {
	minConf = 1.0
	for _, m := range members {
		verdict, ok := confirmed[model.NewCandidatePair(candidate, m).Key()]
		if !ok {
			return 0, false
		}
		if verdict.Confidence < minConf {
			minConf = verdict.Confidence
		}
	}
	return minConf, true
}

func parsePairKey(key string) (model.CandidatePair, bool) {
	var a, b int
	if _, err := fmt.Sscanf(key, "%d-%d", &a, &b); err != nil {
		return model.CandidatePair{}, false
	}
	return model.CandidatePair{NumA: a, NumB: b}, true
}
