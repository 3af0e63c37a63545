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
var _ driven.AccountStore = (*AccountRepo)(nil)

// AccountRepo is the SQLite implementation of the AccountStore port.
type AccountRepo struct {
	db *DB
}

// NewAccountRepo creates a new AccountRepo backed by the given DB.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// Add inserts an account and returns its id.
func (r *AccountRepo) Add(ctx context.Context, account model.Account) (int64, error) {
	const query = `
		INSERT INTO accounts (name, api_key, provider_config, created_at)
		VALUES (?, ?, ?, ?)
	`

	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := r.db.Writer.ExecContext(ctx, query,
		account.Name, account.APIKey, account.ProviderConfig, formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert account %q: %w", account.Name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("account insert id: %w", err)
	}

	return id, nil
}

// Get retrieves an account by id. Returns nil, nil when absent.
func (r *AccountRepo) Get(ctx context.Context, id int64) (*model.Account, error) {
	const query = `
		SELECT id, name, api_key, provider_config, created_at
		FROM accounts
		WHERE id = ?
	`

	account, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}

	return account, nil
}

// GetByAPIKey retrieves an account by its opaque API key. Returns nil, nil
// when absent.
func (r *AccountRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	const query = `
		SELECT id, name, api_key, provider_config, created_at
		FROM accounts
		WHERE api_key = ?
	`

	account, err := scanAccount(r.db.Reader.QueryRowContext(ctx, query, apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by api key: %w", err)
	}

	return account, nil
}

// ListAll returns all accounts ordered by id.
func (r *AccountRepo) ListAll(ctx context.Context) ([]model.Account, error) {
	const query = `
		SELECT id, name, api_key, provider_config, created_at
		FROM accounts
		ORDER BY id
	`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}

func scanAccount(s scanner) (*model.Account, error) {
	var account model.Account
	var createdAt string

	if err := s.Scan(&account.ID, &account.Name, &account.APIKey, &account.ProviderConfig, &createdAt); err != nil {
		return nil, err
	}

	var err error
	account.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &account, nil
}
