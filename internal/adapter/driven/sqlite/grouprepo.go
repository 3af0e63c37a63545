package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DupeGroupStore = (*GroupRepo)(nil)

// GroupRepo is the SQLite implementation of the DupeGroupStore port.
type GroupRepo struct {
	db *DB
}

// NewGroupRepo creates a new GroupRepo backed by the given DB.
func NewGroupRepo(db *DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// ReplaceForScan deletes the scan's existing groups and inserts the given
// ones with their members in a single transaction.
func (r *GroupRepo) ReplaceForScan(ctx context.Context, scanID int64, groups []model.DupeGroup) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace groups tx: %w", err)
	}
	defer tx.Rollback()

	// Members cascade away with their groups.
	if _, err := tx.ExecContext(ctx, `DELETE FROM dupe_groups WHERE scan_id = ?`, scanID); err != nil {
		return fmt.Errorf("delete groups for scan %d: %w", scanID, err)
	}

	const insertGroup = `
		INSERT INTO dupe_groups (scan_id, label, confidence, relationship)
		VALUES (?, ?, ?, ?)
	`
	const insertMember = `
		INSERT INTO dupe_group_members (group_id, pr_number, rank, score, rationale)
		VALUES (?, ?, ?, ?, ?)
	`

	for _, group := range groups {
		res, err := tx.ExecContext(ctx, insertGroup,
			scanID, group.Label, group.Confidence, string(group.Relationship),
		)
		if err != nil {
			return fmt.Errorf("insert group for scan %d: %w", scanID, err)
		}

		groupID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("group insert id: %w", err)
		}

		for _, member := range group.Members {
			if _, err := tx.ExecContext(ctx, insertMember,
				groupID, member.PRNumber, member.Rank, member.Score, member.Rationale,
			); err != nil {
				return fmt.Errorf("insert member #%d of group %d: %w", member.PRNumber, groupID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace groups: %w", err)
	}

	return nil
}

// GetByScan returns the scan's duplicate groups with members ordered by rank.
func (r *GroupRepo) GetByScan(ctx context.Context, scanID int64) ([]model.DupeGroup, error) {
	const groupQuery = `
		SELECT id, scan_id, label, confidence, relationship
		FROM dupe_groups
		WHERE scan_id = ?
		ORDER BY confidence DESC, id
	`

	rows, err := r.db.Reader.QueryContext(ctx, groupQuery, scanID)
	if err != nil {
		return nil, fmt.Errorf("query groups for scan %d: %w", scanID, err)
	}
	defer rows.Close()

	var groups []model.DupeGroup
	for rows.Next() {
		var group model.DupeGroup
		var relationship string
		if err := rows.Scan(&group.ID, &group.ScanID, &group.Label, &group.Confidence, &relationship); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		group.Relationship = model.Relationship(relationship)
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}

	const memberQuery = `
		SELECT pr_number, rank, score, rationale
		FROM dupe_group_members
		WHERE group_id = ?
		ORDER BY rank
	`

	for i := range groups {
		memberRows, err := r.db.Reader.QueryContext(ctx, memberQuery, groups[i].ID)
		if err != nil {
			return nil, fmt.Errorf("query members for group %d: %w", groups[i].ID, err)
		}

		for memberRows.Next() {
			var member model.DupeGroupMember
			if err := memberRows.Scan(&member.PRNumber, &member.Rank, &member.Score, &member.Rationale); err != nil {
				memberRows.Close()
				return nil, fmt.Errorf("scan member: %w", err)
			}
			groups[i].Members = append(groups[i].Members, member)
		}
		if err := memberRows.Err(); err != nil {
			memberRows.Close()
			return nil, fmt.Errorf("iterate members: %w", err)
		}
		memberRows.Close()
	}

	return groups, nil
}
