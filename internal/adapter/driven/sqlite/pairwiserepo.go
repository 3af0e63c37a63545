package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PairwiseCacheStore = (*PairwiseRepo)(nil)

// PairwiseRepo is the SQLite implementation of the PairwiseCacheStore port.
// Rows are keyed (repo_id, pr_a, pr_b) with pr_a < pr_b and bind the verdict
// to both PRs' content hashes at verification time.
type PairwiseRepo struct {
	db *DB
}

// NewPairwiseRepo creates a new PairwiseRepo backed by the given DB.
func NewPairwiseRepo(db *DB) *PairwiseRepo {
	return &PairwiseRepo{db: db}
}

// Get returns a "minNum-maxNum" keyed verdict map for queries whose stored
// hashes both match the supplied current hashes. Missing entries and hash
// mismatches are silently omitted: both read as cache misses.
func (r *PairwiseRepo) Get(ctx context.Context, repoID int64, queries []model.PairQuery) (map[string]model.PairVerdict, error) {
	hits := make(map[string]model.PairVerdict, len(queries))
	if len(queries) == 0 {
		return hits, nil
	}

	byKey := make(map[string]model.PairQuery, len(queries))
	conditions := make([]string, 0, len(queries))
	args := []any{repoID}
	for _, q := range queries {
		byKey[q.Pair.Key()] = q
		conditions = append(conditions, "(pr_a = ? AND pr_b = ?)")
		args = append(args, q.Pair.NumA, q.Pair.NumB)
	}

	query := `
		SELECT pr_a, pr_b, hash_a, hash_b, is_duplicate, confidence, relationship, rationale
		FROM pairwise_cache
		WHERE repo_id = ? AND (` + strings.Join(conditions, " OR ") + `)`

	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairwise cache for repo %d: %w", repoID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var prA, prB, isDuplicate int
		var hashA, hashB, relationship, rationale string
		var confidence float64

		if err := rows.Scan(&prA, &prB, &hashA, &hashB, &isDuplicate, &confidence, &relationship, &rationale); err != nil {
			return nil, fmt.Errorf("scan pairwise entry: %w", err)
		}

		pair := model.CandidatePair{NumA: prA, NumB: prB}
		q, ok := byKey[pair.Key()]
		if !ok {
			continue
		}
		// Both hashes must match exactly; any content change on either side
		// invalidates the verdict.
		if q.HashA != hashA || q.HashB != hashB {
			continue
		}

		hits[pair.Key()] = model.PairVerdict{
			IsDuplicate:  isDuplicate != 0,
			Confidence:   confidence,
			Relationship: model.Relationship(relationship),
			Rationale:    rationale,
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairwise entries: %w", err)
	}

	return hits, nil
}

// Put inserts or replaces the entries in a single transaction.
func (r *PairwiseRepo) Put(ctx context.Context, repoID int64, entries []model.PairCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pairwise put tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO pairwise_cache (repo_id, pr_a, pr_b, hash_a, hash_b, is_duplicate, confidence, relationship, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, pr_a, pr_b) DO UPDATE SET
			hash_a = excluded.hash_a,
			hash_b = excluded.hash_b,
			is_duplicate = excluded.is_duplicate,
			confidence = excluded.confidence,
			relationship = excluded.relationship,
			rationale = excluded.rationale,
			created_at = excluded.created_at
	`

	now := formatTime(time.Now())
	for _, e := range entries {
		isDuplicate := 0
		if e.Verdict.IsDuplicate {
			isDuplicate = 1
		}

		if _, err := tx.ExecContext(ctx, query,
			repoID, e.Pair.NumA, e.Pair.NumB, e.HashA, e.HashB,
			isDuplicate, e.Verdict.Confidence, string(e.Verdict.Relationship), e.Verdict.Rationale, now,
		); err != nil {
			return fmt.Errorf("put pairwise entry %s: %w", e.Pair.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pairwise put: %w", err)
	}

	return nil
}
