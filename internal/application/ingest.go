package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// ingestResult is the snapshot the detect phase operates on: the PR numbers
// fetched by this scan, not everything open in the store.
type ingestResult struct {
	PRNumbers []int
}

// runIngest lists PRs from the code host, persists changed ones with their
// file lists and normalized diff hashes, and (in full mode) reconciles
// closures. Incremental mode trusts the next full scan to catch closures of
// PRs that were not updated.
func (s *ScanService) runIngest(ctx context.Context, svc *Services, repo model.Repository, full bool, maxPRs int, lastScanAt *time.Time) (ingestResult, error) {
	opts := driven.ListPRsOptions{Max: maxPRs}
	if !full && lastScanAt != nil {
		opts.Since = *lastScanAt
	}

	remote, err := svc.CodeHost.ListPRs(ctx, repo.Owner, repo.Name, opts)
	if err != nil {
		return ingestResult{}, fmt.Errorf("list PRs: %w", err)
	}

	stored, err := s.prs.GetByRepo(ctx, repo.ID)
	if err != nil {
		return ingestResult{}, terminal(fmt.Errorf("load stored PRs: %w", err))
	}
	storedByNumber := make(map[int]model.PullRequest, len(stored))
	for _, pr := range stored {
		storedByNumber[pr.Number] = pr
	}

	snapshot := make([]int, 0, len(remote))
	openNumbers := make([]int, 0, len(remote))
	var skippedUnchanged, tooLarge int

	for _, rpr := range remote {
		state := model.PRState(rpr.State)
		if state == model.PRStateOpen {
			openNumbers = append(openNumbers, rpr.Number)
			snapshot = append(snapshot, rpr.Number)
		}

		// Unchanged PRs keep their stored snapshot, file lists and all.
		if prev, ok := storedByNumber[rpr.Number]; ok && prev.UpdatedAt.Equal(rpr.UpdatedAt) && prev.State == state {
			skippedUnchanged++
			continue
		}

		pr := model.PullRequest{
			RepoID:    repo.ID,
			Number:    rpr.Number,
			Title:     rpr.Title,
			Body:      rpr.Body,
			Author:    rpr.Author,
			State:     state,
			UpdatedAt: rpr.UpdatedAt,
		}

		pr.FilePaths, err = svc.CodeHost.GetPRFiles(ctx, repo.Owner, repo.Name, rpr.Number)
		if err != nil {
			return ingestResult{}, fmt.Errorf("fetch files for #%d: %w", rpr.Number, err)
		}

		diff, err := svc.CodeHost.GetPRDiff(ctx, repo.Owner, repo.Name, rpr.Number, "")
		switch {
		case errors.Is(err, driven.ErrDiffTooLarge):
			// Recorded on the PR as a null diff hash; the phase continues.
			tooLarge++
			slog.Warn("diff too large, ingesting without diff hash",
				"repo", repo.FullName(), "pr", rpr.Number)
		case err != nil:
			return ingestResult{}, fmt.Errorf("fetch diff for #%d: %w", rpr.Number, err)
		default:
			hash := hashDiff(diff.Body)
			pr.DiffHash = &hash
		}

		if _, err := s.prs.Upsert(ctx, pr); err != nil {
			return ingestResult{}, terminal(fmt.Errorf("upsert PR #%d: %w", rpr.Number, err))
		}
	}

	if full {
		closed, err := s.prs.MarkStaleClosed(ctx, repo.ID, openNumbers)
		if err != nil {
			return ingestResult{}, terminal(fmt.Errorf("mark stale PRs closed: %w", err))
		}
		if closed > 0 {
			slog.Info("stale PRs closed", "repo", repo.FullName(), "count", closed)
		}
	} else {
		// Incremental fetches only changed PRs, but detection must compare
		// them against the unchanged open ones too, so the snapshot is the
		// union. Closures are not reconciled here; the next full scan does.
		seen := make(map[int]bool, len(snapshot))
		for _, n := range snapshot {
			seen[n] = true
		}
		for _, prev := range stored {
			fetchedClosed := false
			for _, rpr := range remote {
				if rpr.Number == prev.Number && model.PRState(rpr.State) != model.PRStateOpen {
					fetchedClosed = true
					break
				}
			}
			if prev.State == model.PRStateOpen && !seen[prev.Number] && !fetchedClosed {
				snapshot = append(snapshot, prev.Number)
				seen[prev.Number] = true
			}
		}
	}

	slog.Info("ingest complete",
		"repo", repo.FullName(),
		"fetched", len(remote),
		"open", len(openNumbers),
		"skipped_unchanged", skippedUnchanged,
		"diff_too_large", tooLarge,
	)

	return ingestResult{PRNumbers: snapshot}, nil
}

// hashDiff digests the normalized diff text. Hunk header line numbers are
// volatile under rebases that do not touch the change itself, so they are
// stripped before hashing; cosmetic churn then leaves the hash stable.
func hashDiff(diff string) string {
	sum := sha256.Sum256([]byte(normalizeDiff(diff)))
	return hex.EncodeToString(sum[:])[:16]
}

// normalizeDiff strips volatile metadata: hunk header positions and index
// lines carrying blob hashes.
func normalizeDiff(diff string) string {
	lines := strings.Split(diff, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			// "@@ -12,5 +14,7 @@ func foo()" -> "@@" plus the trailing context.
			if i := strings.Index(line[2:], "@@"); i >= 0 {
				out = append(out, "@@"+line[2+i+2:])
			} else {
				out = append(out, "@@")
			}
		case strings.HasPrefix(line, "index "):
			continue
		default:
			out = append(out, line)
		}
	}

	return strings.Join(out, "\n")
}
