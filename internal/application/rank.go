package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// rankLabelLimit bounds the group label derived from the first member's
// intent summary.
const rankLabelLimit = 160

// runRank asks the chat provider to order each group's members as if
// choosing which to merge, then materializes the groups. Ranking is never
// cached: content hashes gate the upstream phases, but the relative merits
// of a group's members are judged fresh on every scan.
func (s *ScanService) runRank(ctx context.Context, svc *Services, scan *model.Scan, cliques []clique, prByNumber map[int]model.PullRequest) ([]model.DupeGroup, error) {
	if len(cliques) == 0 {
		return nil, nil
	}

	reqs := make([]driven.ChatRequest, len(cliques))
	for i, cl := range cliques {
		members := make([]model.PullRequest, 0, len(cl.numbers))
		for _, n := range cl.numbers {
			members = append(members, prByNumber[n])
		}
		reqs[i] = buildRankPrompt(members)
	}

	results, err := s.chatAll(ctx, svc.Chat, reqs, scan, cursorRank)
	if err != nil {
		return nil, fmt.Errorf("ranking: %w", err)
	}

	var usage model.TokenUsage
	groups := make([]model.DupeGroup, len(cliques))

	for i, cl := range cliques {
		result := results[i]
		usage.Add(result.Usage)

		group := model.DupeGroup{
			ScanID:       scan.ID,
			Label:        groupLabel(cl, prByNumber),
			Confidence:   cl.seed.verdict.Confidence,
			Relationship: cl.seed.verdict.Relationship,
		}

		var entries []rankEntry
		switch {
		case result.Err != nil:
			slog.Warn("ranking request failed, falling back to number order",
				"scan", scan.ID, "group", i, "error", result.Err)
		default:
			entries, err = parseRankResponse(result.Content)
			if err != nil {
				slog.Warn("ranking response unparseable, falling back to number order",
					"scan", scan.ID, "group", i, "error", err)
				entries = nil
			}
		}

		group.Members = rankMembers(cl.numbers, entries)
		groups[i] = group
	}

	s.recordTokens(ctx, scan.ID, "rank", usage)

	slog.Info("ranking complete", "scan", scan.ID, "groups", len(groups))
	return groups, nil
}

// rankMembers merges the provider's entries with the clique membership:
// duplicate PR numbers are dropped defensively, members the provider missed
// are appended unscored, and entries for PRs outside the group are ignored.
// The result is sorted by score descending and assigned ranks 1..N.
func rankMembers(numbers []int, entries []rankEntry) []model.DupeGroupMember {
	inGroup := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		inGroup[n] = true
	}

	members := make([]model.DupeGroupMember, 0, len(numbers))
	seen := make(map[int]bool, len(numbers))

	for _, e := range entries {
		if !inGroup[e.PRNumber] || seen[e.PRNumber] {
			continue
		}
		seen[e.PRNumber] = true
		members = append(members, model.DupeGroupMember{
			PRNumber:  e.PRNumber,
			Score:     e.Score,
			Rationale: e.Rationale,
		})
	}

	for _, n := range numbers {
		if !seen[n] {
			members = append(members, model.DupeGroupMember{
				PRNumber:  n,
				Rationale: "not ranked by provider",
			})
		}
	}

	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].PRNumber < members[j].PRNumber
	})

	for i := range members {
		members[i].Rank = i + 1
	}

	return members
}

// groupLabel derives the human-readable label from the first member's intent
// summary, falling back to its title.
func groupLabel(cl clique, prByNumber map[int]model.PullRequest) string {
	first := prByNumber[cl.numbers[0]]
	if first.IntentSummary != nil && *first.IntentSummary != "" {
		return truncate(*first.IntentSummary, rankLabelLimit)
	}
	return truncate(first.Title, rankLabelLimit)
}
