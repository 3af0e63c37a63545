package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ScanStore = (*ScanRepo)(nil)

// ScanRepo is the SQLite implementation of the ScanStore port.
type ScanRepo struct {
	db *DB
}

// NewScanRepo creates a new ScanRepo backed by the given DB.
func NewScanRepo(db *DB) *ScanRepo {
	return &ScanRepo{db: db}
}

// Create inserts a scan row and returns its id.
func (r *ScanRepo) Create(ctx context.Context, scan model.Scan) (int64, error) {
	const query = `
		INSERT INTO scans (repo_id, account_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`

	status := scan.Status
	if status == "" {
		status = model.ScanStatusQueued
	}

	startedAt := scan.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		scan.RepoID, scan.AccountID, string(status), formatTime(startedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert scan for repo %d: %w", scan.RepoID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("scan insert id: %w", err)
	}

	return id, nil
}

// Get retrieves a scan by id. Returns nil, nil when absent.
func (r *ScanRepo) Get(ctx context.Context, id int64) (*model.Scan, error) {
	scan, err := scanScan(r.db.Reader.QueryRowContext(ctx, selectScanQuery+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %d: %w", id, err)
	}

	return scan, nil
}

// GetActive returns the non-terminal scan for (repo, account), or nil. At
// most one exists; the orchestrator enforces that before creating a new row.
func (r *ScanRepo) GetActive(ctx context.Context, repoID, accountID int64) (*model.Scan, error) {
	query := selectScanQuery + ` WHERE repo_id = ? AND account_id = ? AND status NOT IN (?, ?) ORDER BY id DESC LIMIT 1`

	scan, err := scanScan(r.db.Reader.QueryRowContext(ctx, query,
		repoID, accountID, string(model.ScanStatusDone), string(model.ScanStatusFailed),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active scan for repo %d: %w", repoID, err)
	}

	return scan, nil
}

// UpdateStatus writes the status plus whichever optional fields are set.
func (r *ScanRepo) UpdateStatus(ctx context.Context, id int64, status model.ScanStatus, upd driven.ScanUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(status)}

	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*upd.CompletedAt))
	}
	if upd.PRCount != nil {
		sets = append(sets, "pr_count = ?")
		args = append(args, *upd.PRCount)
	}
	if upd.DupeGroupCount != nil {
		sets = append(sets, "dupe_group_count = ?")
		args = append(args, *upd.DupeGroupCount)
	}
	if upd.PhaseCursor != nil {
		cursorJSON, err := marshalCursor(*upd.PhaseCursor)
		if err != nil {
			return err
		}
		sets = append(sets, "phase_cursor = ?")
		args = append(args, cursorJSON)
	}

	args = append(args, id)
	query := `UPDATE scans SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	res, err := r.db.Writer.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update scan %d status: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("scan %d not found", id)
	}

	return nil
}

// SetPhaseCursor stamps the resume cursor. Nil clears it.
func (r *ScanRepo) SetPhaseCursor(ctx context.Context, id int64, cursor *model.PhaseCursor) error {
	cursorJSON, err := marshalCursor(cursor)
	if err != nil {
		return err
	}

	res, err := r.db.Writer.ExecContext(ctx, `UPDATE scans SET phase_cursor = ? WHERE id = ?`, cursorJSON, id)
	if err != nil {
		return fmt.Errorf("set phase cursor for scan %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("scan %d not found", id)
	}

	return nil
}

// AddTokenUsage accumulates usage into the scan's aggregate counters and the
// named phase's breakdown in one transaction.
func (r *ScanRepo) AddTokenUsage(ctx context.Context, id int64, phase string, usage model.TokenUsage) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin token usage tx: %w", err)
	}
	defer tx.Rollback()

	var phaseTokensJSON string
	if err := tx.QueryRowContext(ctx, `SELECT phase_tokens FROM scans WHERE id = ?`, id).Scan(&phaseTokensJSON); err != nil {
		return fmt.Errorf("load phase tokens for scan %d: %w", id, err)
	}

	phaseTokens := map[string]model.TokenUsage{}
	if err := json.Unmarshal([]byte(phaseTokensJSON), &phaseTokens); err != nil {
		return fmt.Errorf("unmarshal phase tokens: %w", err)
	}

	entry := phaseTokens[phase]
	entry.Add(usage)
	phaseTokens[phase] = entry

	updated, err := json.Marshal(phaseTokens)
	if err != nil {
		return fmt.Errorf("marshal phase tokens: %w", err)
	}

	const query = `
		UPDATE scans
		SET tokens_input = tokens_input + ?, tokens_output = tokens_output + ?, phase_tokens = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, usage.Input, usage.Output, string(updated), id); err != nil {
		return fmt.Errorf("add token usage for scan %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token usage: %w", err)
	}

	return nil
}

// SetProviders records the provider identities the scan used.
func (r *ScanRepo) SetProviders(ctx context.Context, id int64, chatProvider, embeddingProvider string) error {
	const query = `UPDATE scans SET chat_provider = ?, embedding_provider = ? WHERE id = ?`

	if _, err := r.db.Writer.ExecContext(ctx, query, chatProvider, embeddingProvider, id); err != nil {
		return fmt.Errorf("set providers for scan %d: %w", id, err)
	}

	return nil
}

// Clear deletes every scan (groups cascade), nulls all PR cache fields and
// truncates the pairwise cache in a single transaction.
func (r *ScanRepo) Clear(ctx context.Context) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear scans tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scans`); err != nil {
		return fmt.Errorf("delete scans: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE prs SET embed_hash = NULL, intent_summary = NULL`); err != nil {
		return fmt.Errorf("null PR cache fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairwise_cache`); err != nil {
		return fmt.Errorf("clear pairwise cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear scans: %w", err)
	}

	return nil
}

const selectScanQuery = `
	SELECT id, repo_id, account_id, status, error, pr_count, dupe_group_count,
	       tokens_input, tokens_output, phase_tokens, chat_provider, embedding_provider,
	       phase_cursor, started_at, completed_at
	FROM scans`

func marshalCursor(cursor *model.PhaseCursor) (any, error) {
	if cursor == nil || cursor.Empty() {
		return nil, nil
	}
	b, err := json.Marshal(cursor)
	if err != nil {
		return nil, fmt.Errorf("marshal phase cursor: %w", err)
	}
	return string(b), nil
}

func scanScan(s scanner) (*model.Scan, error) {
	var scan model.Scan
	var status, phaseTokensJSON, startedAt string
	var cursorJSON, completedAt sql.NullString

	err := s.Scan(
		&scan.ID, &scan.RepoID, &scan.AccountID, &status, &scan.Error,
		&scan.PRCount, &scan.DupeGroupCount,
		&scan.Tokens.Input, &scan.Tokens.Output, &phaseTokensJSON,
		&scan.ChatProvider, &scan.EmbeddingProvider,
		&cursorJSON, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	scan.Status = model.ScanStatus(status)

	scan.PhaseTokens = map[string]model.TokenUsage{}
	if err := json.Unmarshal([]byte(phaseTokensJSON), &scan.PhaseTokens); err != nil {
		return nil, fmt.Errorf("unmarshal phase tokens: %w", err)
	}

	if cursorJSON.Valid {
		var cursor model.PhaseCursor
		if err := json.Unmarshal([]byte(cursorJSON.String), &cursor); err != nil {
			return nil, fmt.Errorf("unmarshal phase cursor: %w", err)
		}
		scan.PhaseCursor = &cursor
	}

	scan.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}

	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		scan.CompletedAt = &t
	}

	return &scan, nil
}
