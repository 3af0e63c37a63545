package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.RepoStore = (*RepoRepo)(nil)

// RepoRepo is the SQLite implementation of the RepoStore port.
type RepoRepo struct {
	db *DB
}

// NewRepoRepo creates a new RepoRepo backed by the given DB.
func NewRepoRepo(db *DB) *RepoRepo {
	return &RepoRepo{db: db}
}

// Add inserts a tracked repository and returns its id.
func (r *RepoRepo) Add(ctx context.Context, repo model.Repository) (int64, error) {
	const query = `
		INSERT INTO repos (owner, name, last_scan_at, created_at)
		VALUES (?, ?, ?, ?)
	`

	createdAt := repo.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var lastScanAt any
	if repo.LastScanAt != nil {
		lastScanAt = formatTime(*repo.LastScanAt)
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		repo.Owner, repo.Name, lastScanAt, formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert repo %s/%s: %w", repo.Owner, repo.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("repo insert id: %w", err)
	}

	return id, nil
}

// Get retrieves a repository by id. Returns nil, nil when absent.
func (r *RepoRepo) Get(ctx context.Context, id int64) (*model.Repository, error) {
	const query = `
		SELECT id, owner, name, last_scan_at, created_at
		FROM repos
		WHERE id = ?
	`

	repo, err := scanRepo(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %d: %w", id, err)
	}

	return repo, nil
}

// GetByName retrieves a repository by (owner, name). Returns nil, nil when
// absent.
func (r *RepoRepo) GetByName(ctx context.Context, owner, name string) (*model.Repository, error) {
	const query = `
		SELECT id, owner, name, last_scan_at, created_at
		FROM repos
		WHERE owner = ? AND name = ?
	`

	repo, err := scanRepo(r.db.Reader.QueryRowContext(ctx, query, owner, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %s/%s: %w", owner, name, err)
	}

	return repo, nil
}

// ListAll returns all tracked repositories ordered by owner, name.
func (r *RepoRepo) ListAll(ctx context.Context) ([]model.Repository, error) {
	const query = `
		SELECT id, owner, name, last_scan_at, created_at
		FROM repos
		ORDER BY owner, name
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()

	var repos []model.Repository
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, *repo)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repos: %w", err)
	}

	return repos, nil
}

// SetLastScanAt stamps the repo's last successful scan time.
func (r *RepoRepo) SetLastScanAt(ctx context.Context, id int64, t time.Time) error {
	const query = `UPDATE repos SET last_scan_at = ? WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, formatTime(t), id)
	if err != nil {
		return fmt.Errorf("set last_scan_at for repo %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repo %d not found", id)
	}

	return nil
}

// Delete removes a repository; PRs, scans, groups and cache entries cascade.
func (r *RepoRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.Writer.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repo %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("repo %d not found", id)
	}

	return nil
}

// Clear deletes every repo. PRs, scans, groups and pairwise cache entries
// cascade away with them.
func (r *RepoRepo) Clear(ctx context.Context) error {
	if _, err := r.db.Writer.ExecContext(ctx, `DELETE FROM repos`); err != nil {
		return fmt.Errorf("clear repos: %w", err)
	}
	return nil
}

func scanRepo(s scanner) (*model.Repository, error) {
	var repo model.Repository
	var lastScanAt sql.NullString
	var createdAt string

	if err := s.Scan(&repo.ID, &repo.Owner, &repo.Name, &lastScanAt, &createdAt); err != nil {
		return nil, err
	}

	if lastScanAt.Valid {
		t, err := parseTime(lastScanAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_scan_at: %w", err)
		}
		repo.LastScanAt = &t
	}

	var err error
	repo.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &repo, nil
}
