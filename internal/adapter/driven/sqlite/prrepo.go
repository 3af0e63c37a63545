package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PRStore = (*PRRepo)(nil)

// PRRepo is the SQLite implementation of the PRStore port.
type PRRepo struct {
	db *DB
}

// NewPRRepo creates a new PRRepo backed by the given DB.
func NewPRRepo(db *DB) *PRRepo {
	return &PRRepo{db: db}
}

// Upsert inserts or updates a pull request by (repo_id, number) and returns
// the stored row. When the update changes any of diff hash, title, body or
// file paths, embed_hash and intent_summary are nulled in the same
// transaction; otherwise the cache fields are preserved.
func (r *PRRepo) Upsert(ctx context.Context, pr model.PullRequest) (*model.PullRequest, error) {
	filePaths := pr.FilePaths
	if filePaths == nil {
		filePaths = []string{}
	}
	filePathsJSON, err := json.Marshal(filePaths)
	if err != nil {
		return nil, fmt.Errorf("marshal file paths: %w", err)
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanFullPR(tx.QueryRowContext(ctx, selectPRQuery+` WHERE repo_id = ? AND number = ?`, pr.RepoID, pr.Number))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load existing PR %d#%d: %w", pr.RepoID, pr.Number, err)
	}

	if existing == nil {
		const insert = `
			INSERT INTO prs (repo_id, number, title, body, author, state, file_paths, diff_hash, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		if _, err := tx.ExecContext(ctx, insert,
			pr.RepoID, pr.Number, pr.Title, pr.Body, pr.Author, string(pr.State),
			string(filePathsJSON), nullable(pr.DiffHash), formatTime(pr.UpdatedAt),
		); err != nil {
			return nil, fmt.Errorf("insert PR %d#%d: %w", pr.RepoID, pr.Number, err)
		}
	} else {
		// Content change invalidates the cache fields; metadata-only updates
		// (state, author, updated_at) preserve them.
		invalidate := contentChanged(*existing, pr)

		const update = `
			UPDATE prs SET
				title = ?, body = ?, author = ?, state = ?, file_paths = ?, diff_hash = ?, updated_at = ?,
				embed_hash = CASE WHEN ? THEN NULL ELSE embed_hash END,
				intent_summary = CASE WHEN ? THEN NULL ELSE intent_summary END
			WHERE repo_id = ? AND number = ?
		`
		if _, err := tx.ExecContext(ctx, update,
			pr.Title, pr.Body, pr.Author, string(pr.State), string(filePathsJSON),
			nullable(pr.DiffHash), formatTime(pr.UpdatedAt),
			invalidate, invalidate,
			pr.RepoID, pr.Number,
		); err != nil {
			return nil, fmt.Errorf("update PR %d#%d: %w", pr.RepoID, pr.Number, err)
		}
	}

	stored, err := scanFullPR(tx.QueryRowContext(ctx, selectPRQuery+` WHERE repo_id = ? AND number = ?`, pr.RepoID, pr.Number))
	if err != nil {
		return nil, fmt.Errorf("reload PR %d#%d: %w", pr.RepoID, pr.Number, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}

	return stored, nil
}

// GetByRepo returns all pull requests for the repository ordered by number.
func (r *PRRepo) GetByRepo(ctx context.Context, repoID int64) ([]model.PullRequest, error) {
	return r.queryPRs(ctx, selectPRQuery+` WHERE repo_id = ? ORDER BY number`, repoID)
}

// GetByNumbers returns the repository's pull requests matching the given
// numbers, ordered by number. Unknown numbers are omitted.
func (r *PRRepo) GetByNumbers(ctx context.Context, repoID int64, numbers []int) ([]model.PullRequest, error) {
	if len(numbers) == 0 {
		return []model.PullRequest{}, nil
	}

	placeholders := strings.Repeat("?,", len(numbers))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(numbers)+1)
	args = append(args, repoID)
	for _, n := range numbers {
		args = append(args, n)
	}

	query := selectPRQuery + ` WHERE repo_id = ? AND number IN (` + placeholders + `) ORDER BY number`
	return r.queryPRs(ctx, query, args...)
}

// GetByNumber retrieves a single pull request. Returns nil, nil when absent.
func (r *PRRepo) GetByNumber(ctx context.Context, repoID int64, number int) (*model.PullRequest, error) {
	pr, err := scanFullPR(r.db.Reader.QueryRowContext(ctx, selectPRQuery+` WHERE repo_id = ? AND number = ?`, repoID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get PR %d#%d: %w", repoID, number, err)
	}

	return pr, nil
}

// MarkStaleClosed transitions open PRs whose number is not in openNumbers to
// closed. An empty openNumbers closes every open PR in the repo.
func (r *PRRepo) MarkStaleClosed(ctx context.Context, repoID int64, openNumbers []int) (int64, error) {
	query := `UPDATE prs SET state = ? WHERE repo_id = ? AND state = ?`
	args := []any{string(model.PRStateClosed), repoID, string(model.PRStateOpen)}

	if len(openNumbers) > 0 {
		placeholders := strings.Repeat("?,", len(openNumbers))
		placeholders = placeholders[:len(placeholders)-1]
		query += ` AND number NOT IN (` + placeholders + `)`
		for _, n := range openNumbers {
			args = append(args, n)
		}
	}

	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark stale PRs closed for repo %d: %w", repoID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return rows, nil
}

// UpdateCacheFields stamps both cache columns in a single statement. A nil
// value writes NULL.
func (r *PRRepo) UpdateCacheFields(ctx context.Context, prID int64, embedHash, intentSummary *string) error {
	const query = `UPDATE prs SET embed_hash = ?, intent_summary = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, nullable(embedHash), nullable(intentSummary), prID)
	if err != nil {
		return fmt.Errorf("update cache fields for PR %d: %w", prID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("PR %d not found", prID)
	}

	return nil
}

const selectPRQuery = `
	SELECT id, repo_id, number, title, body, author, state, file_paths, diff_hash, embed_hash, intent_summary, updated_at
	FROM prs`

func (r *PRRepo) queryPRs(ctx context.Context, query string, args ...any) ([]model.PullRequest, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pull requests: %w", err)
	}
	defer rows.Close()

	var prs []model.PullRequest
	for rows.Next() {
		pr, err := scanFullPR(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, *pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}

	return prs, nil
}

// contentChanged reports whether any duplicate-relevant field differs.
func contentChanged(stored, incoming model.PullRequest) bool {
	storedDiff, incomingDiff := "", ""
	if stored.DiffHash != nil {
		storedDiff = *stored.DiffHash
	}
	if incoming.DiffHash != nil {
		incomingDiff = *incoming.DiffHash
	}

	return storedDiff != incomingDiff ||
		stored.Title != incoming.Title ||
		stored.Body != incoming.Body ||
		!slices.Equal(stored.FilePaths, incoming.FilePaths)
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func scanFullPR(s scanner) (*model.PullRequest, error) {
	var pr model.PullRequest
	var state, filePathsJSON, updatedAt string
	var diffHash, embedHash, intentSummary sql.NullString

	err := s.Scan(
		&pr.ID, &pr.RepoID, &pr.Number, &pr.Title, &pr.Body, &pr.Author,
		&state, &filePathsJSON, &diffHash, &embedHash, &intentSummary, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	pr.State = model.PRState(state)

	if err := json.Unmarshal([]byte(filePathsJSON), &pr.FilePaths); err != nil {
		return nil, fmt.Errorf("unmarshal file paths: %w", err)
	}

	if diffHash.Valid {
		v := diffHash.String
		pr.DiffHash = &v
	}
	if embedHash.Valid {
		v := embedHash.String
		pr.EmbedHash = &v
	}
	if intentSummary.Valid {
		v := intentSummary.String
		pr.IntentSummary = &v
	}

	pr.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &pr, nil
}
